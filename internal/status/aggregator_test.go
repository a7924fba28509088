package status

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func update(device string, tracks map[string]types.ChannelStatus) StatusUpdate {
	return StatusUpdate{Device: device, Tracks: tracks}
}

func TestAggregatorMergesDeltas(t *testing.T) {
	a := NewAggregator()
	a.Apply(update("desk", map[string]types.ChannelStatus{
		"1-2": {Files: 1, Bytes: 400, RecordedDuration: time.Second, State: types.StateActive, Amplitude: []float64{0.2, 0.3}},
		"3":   {State: types.StateInactive, Amplitude: []float64{0}},
	}))
	a.Apply(update("desk", map[string]types.ChannelStatus{
		"1-2": {Bytes: 100, RecordedDuration: time.Second, State: types.StateActive, Amplitude: []float64{0.5, 0.1}},
	}))
	a.Apply(update("studio", map[string]types.ChannelStatus{
		"1": {Files: 2, Bytes: 50, State: types.StateInactive},
	}))

	snap := a.Snapshot()
	track := snap.Tracks["desk/1-2"]
	if track.Files != 1 || track.Bytes != 500 || track.RecordedDuration != 2*time.Second {
		t.Errorf("desk/1-2 = %+v", track)
	}
	if track.Amplitude[0] != 0.5 {
		t.Errorf("amplitude = %v, want latest", track.Amplitude)
	}
	if dev := snap.Devices["desk"].Status; dev.Bytes != 500 || dev.State != types.StateActive {
		t.Errorf("desk = %+v", dev)
	}
	if snap.Total.Files != 3 || snap.Total.Bytes != 550 {
		t.Errorf("total = %+v", snap.Total)
	}
	if err := a.Consistent(); err != nil {
		t.Error(err)
	}

	// Rows: total, then devices by name with their tracks by channel.
	var got []string
	for _, r := range snap.Rows {
		got = append(got, string(r.Level)+":"+r.Device+":"+r.Track)
	}
	want := []string{"total::", "device:desk:", "track:desk:1-2", "track:desk:3", "device:studio:", "track:studio:1"}
	if len(got) != len(want) {
		t.Fatalf("rows = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAggregatorSnapshotIsACopy(t *testing.T) {
	a := NewAggregator()
	a.Apply(update("desk", map[string]types.ChannelStatus{"1": {Amplitude: []float64{0.4}}}))
	snap := a.Snapshot()
	snap.Tracks["desk/1"].Amplitude[0] = 9
	if got := a.Snapshot().Tracks["desk/1"].Amplitude[0]; got != 0.4 {
		t.Errorf("snapshot aliases aggregator state: %v", got)
	}
}

func TestAggregatorRegisterShowsIdleTracks(t *testing.T) {
	a := NewAggregator()
	a.Register(
		types.Track{Device: "desk", Channels: types.ChannelRange{First: 1, Last: 2}},
		types.Track{Device: "desk", Channels: types.ChannelRange{First: 3, Last: 3}},
	)
	snap := a.Snapshot()
	if len(snap.Tracks) != 2 || snap.Tracks["desk/3"].State != types.StateInactive {
		t.Errorf("tracks = %+v", snap.Tracks)
	}
}

func TestAggregatorAlerts(t *testing.T) {
	var alerts []Alert
	a := NewAggregator(WithAlertHandler(func(al Alert) { alerts = append(alerts, al) }))

	a.Apply(update("desk", map[string]types.ChannelStatus{"1": {State: types.StateActive}}))
	a.Apply(update("desk", map[string]types.ChannelStatus{"1": {State: types.StateFailed, Error: "disk full"}}))
	a.Apply(update("desk", map[string]types.ChannelStatus{"1": {State: types.StateFailed}}))
	if len(alerts) != 1 || alerts[0].Kind != AlertTrack || alerts[0].Track != "1" || alerts[0].Err != "disk full" {
		t.Fatalf("alerts = %+v, want one failed-track alert", alerts)
	}

	a.Apply(SessionError{Device: "desk", Err: errors.New("driver crashed")})
	if len(alerts) != 2 || alerts[1].Kind != AlertSession || alerts[1].Track != "" || alerts[1].Err != "driver crashed" {
		t.Errorf("alerts = %+v", alerts)
	}
	if got := a.Snapshot().Devices["desk"].Status.Error; got != "driver crashed" {
		t.Errorf("device error = %q", got)
	}
}

func TestAggregatorSessionEnded(t *testing.T) {
	a := NewAggregator()
	a.Apply(update("desk", map[string]types.ChannelStatus{
		"1": {State: types.StateActive, Amplitude: []float64{0.3}},
		"2": {State: types.StateFailed},
	}))
	a.Apply(SessionEnded{Device: "desk"})

	snap := a.Snapshot()
	if !snap.Devices["desk"].Ended {
		t.Error("device not marked ended")
	}
	if st := snap.Tracks["desk/1"]; st.State != types.StateInactive || st.Amplitude != nil {
		t.Errorf("desk/1 = %+v, want inactive without amplitude", st)
	}
	if st := snap.Tracks["desk/2"].State; st != types.StateFailed {
		t.Errorf("desk/2 state = %q, failure must persist", st)
	}
}

func TestAggregatorStaleDevice(t *testing.T) {
	clock := newClock()
	var alerts []Alert
	a := NewAggregator(
		WithClock(clock.now),
		WithStaleAfter(time.Second),
		WithAlertHandler(func(al Alert) { alerts = append(alerts, al) }),
	)
	a.Apply(update("desk", map[string]types.ChannelStatus{"1": {State: types.StateActive}}))
	a.Apply(update("studio", map[string]types.ChannelStatus{"1": {State: types.StateActive}}))
	a.Apply(SessionEnded{Device: "studio"})

	clock.advance(500 * time.Millisecond)
	a.CheckStale()
	if len(alerts) != 0 {
		t.Fatalf("early alerts: %+v", alerts)
	}

	clock.advance(time.Second)
	a.CheckStale()
	a.CheckStale()
	if len(alerts) != 1 || alerts[0].Kind != AlertStale || alerts[0].Device != "desk" || alerts[0].State != types.StateOffline {
		t.Fatalf("alerts = %+v, want one offline alert for desk", alerts)
	}
	if st := a.Snapshot().Tracks["desk/1"].State; st != types.StateOffline {
		t.Errorf("desk/1 state = %q", st)
	}

	// A fresh update brings the device back.
	a.Apply(update("desk", map[string]types.ChannelStatus{"1": {State: types.StateActive}}))
	if st := a.Snapshot().Tracks["desk/1"].State; st != types.StateActive {
		t.Errorf("desk/1 state after recovery = %q", st)
	}
}

func TestAggregatorRunStopsOnClose(t *testing.T) {
	a := NewAggregator()
	in := make(chan Message)
	done := make(chan struct{})
	go func() {
		a.Run(in)
		close(done)
	}()
	in <- update("desk", map[string]types.ChannelStatus{"1": {Files: 1}})
	in <- SessionEnded{Device: "desk"}
	close(in)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after close")
	}
	if got := a.Snapshot().Total.Files; got != 1 {
		t.Errorf("total files = %d", got)
	}
}

func TestConsistentDetectsDrift(t *testing.T) {
	a := NewAggregator()
	a.Apply(update("desk", map[string]types.ChannelStatus{"1": {Files: 1, Bytes: 10}}))
	a.mu.Lock()
	a.total.devices["desk"].status.Bytes += 5
	a.mu.Unlock()
	if err := a.Consistent(); !errors.Is(err, ErrInconsistent) {
		t.Errorf("Consistent() = %v, want ErrInconsistent", err)
	}
}

func TestCollector(t *testing.T) {
	a := NewAggregator()
	a.Apply(update("desk", map[string]types.ChannelStatus{
		"1-2": {Files: 2, Bytes: 400, RecordedDuration: 1500 * time.Millisecond, State: types.StateActive, Amplitude: []float64{0.1, 0.2}},
	}))

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(a))
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	want := map[string]float64{
		"multitrack_track_files_total":           2,
		"multitrack_track_bytes_total":           400,
		"multitrack_track_recorded_seconds_total": 1.5,
		"multitrack_track_state":                 1,
	}
	for name, v := range want {
		if values[name] != v {
			t.Errorf("%s = %v, want %v", name, values[name], v)
		}
	}
	if got := values["multitrack_track_amplitude"]; got < 0.29 || got > 0.31 {
		t.Errorf("amplitude sum = %v", got)
	}
}
