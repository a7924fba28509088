package status

import (
	"cmp"
	"slices"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

// Level names the aggregation level of a Row.
type Level string

// Row levels.
const (
	LevelTotal  Level = "total"
	LevelDevice Level = "device"
	LevelTrack  Level = "track"
)

// Row is one line of a status report.
type Row struct {
	Level  Level               `json:"level"`
	Device string              `json:"device,omitempty"`
	Track  string              `json:"track,omitempty"`
	Status types.ChannelStatus `json:"status"`
}

// Node is one level of the status tree.
type Node interface {
	// Merge folds a delta into the node and returns the new running status.
	Merge(d types.ChannelStatus) types.ChannelStatus
	// Rows returns the node's report lines, the node's own line first.
	Rows() []Row
}

// TrackNode holds one track's running status.
type TrackNode struct {
	track  types.Track
	status types.ChannelStatus
}

func newTrackNode(t types.Track) *TrackNode {
	return &TrackNode{track: t, status: types.ChannelStatus{State: types.StateInactive}}
}

// Merge implements Node.
func (n *TrackNode) Merge(d types.ChannelStatus) types.ChannelStatus {
	n.status = n.status.Add(d)
	return n.status
}

// Rows implements Node.
func (n *TrackNode) Rows() []Row {
	return []Row{{Level: LevelTrack, Device: n.track.Device, Track: n.track.Name(), Status: n.status.Clone()}}
}

// DeviceNode sums its tracks.
type DeviceNode struct {
	name     string
	status   types.ChannelStatus
	tracks   map[string]*TrackNode
	lastSeen time.Time
	ended    bool
	stale    bool
	err      string
}

func newDeviceNode(name string, now time.Time) *DeviceNode {
	return &DeviceNode{name: name, tracks: make(map[string]*TrackNode), lastSeen: now}
}

// track returns the named track node, creating it on first use.
func (n *DeviceNode) track(name string) *TrackNode {
	t, ok := n.tracks[name]
	if !ok {
		r, err := types.ParseChannelRange(name)
		if err != nil {
			r = types.ChannelRange{}
		}
		t = newTrackNode(types.Track{Device: n.name, Channels: r})
		n.tracks[name] = t
	}
	return t
}

// Merge implements Node. Only the counters roll up; the device state is
// derived from its tracks.
func (n *DeviceNode) Merge(d types.ChannelStatus) types.ChannelStatus {
	n.status = n.status.Add(d.Counters())
	return n.status
}

// State summarizes the tracks: active if any track records, offline or
// failed if any track is, inactive otherwise.
func (n *DeviceNode) State() types.ActiveState {
	state := types.StateInactive
	for _, t := range n.tracks {
		switch t.status.State {
		case types.StateOffline:
			return types.StateOffline
		case types.StateFailed:
			state = types.StateFailed
		case types.StateActive:
			if state != types.StateFailed {
				state = types.StateActive
			}
		}
	}
	return state
}

func (n *DeviceNode) sortedTracks() []*TrackNode {
	out := make([]*TrackNode, 0, len(n.tracks))
	for _, t := range n.tracks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *TrackNode) int {
		return cmp.Or(types.CompareTracks(a.track, b.track), cmp.Compare(a.track.Name(), b.track.Name()))
	})
	return out
}

// Rows implements Node.
func (n *DeviceNode) Rows() []Row {
	own := n.status.Clone()
	own.State = n.State()
	own.Error = n.err
	rows := []Row{{Level: LevelDevice, Device: n.name, Status: own}}
	for _, t := range n.sortedTracks() {
		rows = append(rows, t.Rows()...)
	}
	return rows
}

// TotalNode sums every device.
type TotalNode struct {
	status  types.ChannelStatus
	devices map[string]*DeviceNode
}

func newTotalNode() *TotalNode {
	return &TotalNode{devices: make(map[string]*DeviceNode)}
}

// Merge implements Node.
func (n *TotalNode) Merge(d types.ChannelStatus) types.ChannelStatus {
	n.status = n.status.Add(d.Counters())
	return n.status
}

func (n *TotalNode) sortedDevices() []*DeviceNode {
	out := make([]*DeviceNode, 0, len(n.devices))
	for _, d := range n.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *DeviceNode) int { return cmp.Compare(a.name, b.name) })
	return out
}

// Rows implements Node.
func (n *TotalNode) Rows() []Row {
	rows := []Row{{Level: LevelTotal, Status: n.status.Clone()}}
	for _, d := range n.sortedDevices() {
		rows = append(rows, d.Rows()...)
	}
	return rows
}
