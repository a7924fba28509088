package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

const (
	zabbixTimeout     = 5 * time.Second
	zabbixHeaderSize  = 13 // magic (5) + little endian body length (8)
	zabbixMaxReply    = 64 * 1024
	defaultZabbixPort = 10051
)

var zabbixMagic = [5]byte{'Z', 'B', 'X', 'D', 0x01}

// Trapper replies that are not a plain success.
var (
	errZabbixRejected    = errors.New("zabbix rejected data")
	errZabbixUnprocessed = errors.New("zabbix processed no items (check host/key config)")
)

// zabbixRequest is a "sender data" request as zabbix_sender builds it.
type zabbixRequest struct {
	Request string       `json:"request"`
	Data    []zabbixItem `json:"data"`
}

type zabbixItem struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type zabbixResponse struct {
	Response string `json:"response"`
	Info     string `json:"info"`
}

// ZabbixConfigured reports whether alerts can be sent to Zabbix.
func ZabbixConfigured(cfg *types.ZabbixConfig) bool {
	return util.IsConfigured(cfg.Server, cfg.Host, cfg.Key)
}

func zabbixAddr(cfg *types.ZabbixConfig) string {
	port := cfg.Port
	if port == 0 {
		port = defaultZabbixPort
	}
	return net.JoinHostPort(cfg.Server, strconv.Itoa(port))
}

// writeZabbixFrame writes body behind the protocol header.
func writeZabbixFrame(w io.Writer, body []byte) error {
	frame := make([]byte, zabbixHeaderSize, zabbixHeaderSize+len(body))
	copy(frame, zabbixMagic[:])
	binary.LittleEndian.PutUint64(frame[len(zabbixMagic):], uint64(len(body)))
	_, err := w.Write(append(frame, body...))
	return err
}

// readZabbixFrame reads one framed reply of at most zabbixMaxReply bytes.
func readZabbixFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, zabbixHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, util.WrapError("read zabbix reply header", err)
	}
	if !bytes.Equal(header[:len(zabbixMagic)], zabbixMagic[:]) {
		return nil, fmt.Errorf("invalid zabbix reply header %q", header[:len(zabbixMagic)])
	}
	n := binary.LittleEndian.Uint64(header[len(zabbixMagic):])
	switch {
	case n == 0:
		return nil, fmt.Errorf("empty zabbix reply")
	case n > zabbixMaxReply:
		return nil, fmt.Errorf("zabbix reply too large: %d bytes (max %d)", n, zabbixMaxReply)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, util.WrapError("read zabbix reply body", err)
	}
	return body, nil
}

// processedCount extracts the processed item count from a trapper info
// string such as "processed: 1; failed: 0; total: 1; seconds spent: 0.0001".
func processedCount(info string) (int, bool) {
	for field := range strings.SplitSeq(info, ";") {
		name, value, ok := strings.Cut(field, ":")
		if !ok || strings.TrimSpace(name) != "processed" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		return n, err == nil
	}
	return 0, false
}

// sendZabbixItems delivers items in one trapper round trip.
func sendZabbixItems(ctx context.Context, cfg *types.ZabbixConfig, items ...zabbixItem) error {
	body, err := json.Marshal(zabbixRequest{Request: "sender data", Data: items})
	if err != nil {
		return util.WrapError("marshal zabbix payload", err)
	}

	dialer := net.Dialer{Timeout: zabbixTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", zabbixAddr(cfg))
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(zabbixTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return util.WrapError("set deadline", err)
	}

	if err := writeZabbixFrame(conn, body); err != nil {
		return util.WrapError("write zabbix request", err)
	}
	reply, err := readZabbixFrame(bufio.NewReader(conn))
	if err != nil {
		return err
	}

	var resp zabbixResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}
	if resp.Response != "success" {
		return fmt.Errorf("%w: %s", errZabbixRejected, resp.Info)
	}
	if n, ok := processedCount(resp.Info); ok && n == 0 {
		return errZabbixUnprocessed
	}
	return nil
}

// sendZabbixEvent sends one trapper value to the configured item.
func sendZabbixEvent(ctx context.Context, cfg *types.ZabbixConfig, value string) error {
	if !ZabbixConfigured(cfg) {
		return nil
	}
	return sendZabbixItems(ctx, cfg, zabbixItem{Host: cfg.Host, Key: cfg.Key, Value: value})
}

// SendTestZabbix sends a test value to verify the Zabbix settings.
func SendTestZabbix(ctx context.Context, cfg *types.ZabbixConfig) error {
	return sendZabbixEvent(ctx, cfg, "event=test source="+AppName)
}
