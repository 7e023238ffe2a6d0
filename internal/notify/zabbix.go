package notify

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// Zabbix protocol constants.
const (
	zabbixTimeout    = 5 * time.Second
	zabbixHeaderSize = 13        // "ZBXD\x01" (5) + uint64 length (8)
	maxReplySize     = 64 * 1024 // 64KB max reply to prevent memory exhaustion
)

// zabbixMagic is the protocol header prefix.
var zabbixMagic = [5]byte{'Z', 'B', 'X', 'D', 0x01}

// Zabbix protocol types.
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

// sendZabbixPayload sends a payload to the Zabbix server.
func sendZabbixPayload(server string, port int, payload zabbixRequest) error {
	addr := net.JoinHostPort(server, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, zabbixTimeout)
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(zabbixTimeout)); err != nil {
		return util.WrapError("set deadline", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal zabbix payload", err)
	}

	// Build header: "ZBXD\x01" + 8-byte little endian length
	header := make([]byte, zabbixHeaderSize)
	copy(header[0:5], zabbixMagic[:])
	binary.LittleEndian.PutUint64(header[5:], uint64(len(data)))

	if _, err := conn.Write(header); err != nil {
		return util.WrapError("write zabbix header", err)
	}
	if _, err := conn.Write(data); err != nil {
		return util.WrapError("write zabbix payload", err)
	}

	// Read reply header
	replyHeader := make([]byte, zabbixHeaderSize)
	if _, err := io.ReadFull(conn, replyHeader); err != nil {
		return util.WrapError("read zabbix reply header", err)
	}
	if !bytes.Equal(replyHeader[0:5], zabbixMagic[:]) {
		return fmt.Errorf("invalid zabbix reply header")
	}

	replyLen := binary.LittleEndian.Uint64(replyHeader[5:zabbixHeaderSize])
	if replyLen == 0 {
		return fmt.Errorf("empty zabbix reply")
	}
	if replyLen > maxReplySize {
		return fmt.Errorf("zabbix reply too large: %d bytes (max %d)", replyLen, maxReplySize)
	}

	// Read reply body
	reply := make([]byte, replyLen)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return util.WrapError("read zabbix reply body", err)
	}

	var resp zabbixResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}

	// Check for explicit failure response
	if resp.Response == "failed" {
		return fmt.Errorf("zabbix rejected data: %s", resp.Info)
	}

	// Check for no items processed (host/key not found in Zabbix)
	if strings.Contains(resp.Info, "processed: 0;") && strings.Contains(resp.Info, "failed: 0;") {
		return fmt.Errorf("zabbix processed no items (check host/key config)")
	}

	return nil
}

// ZabbixConfig addresses a Zabbix trapper item.
type ZabbixConfig struct {
	Server string
	Port   int
	Host   string
	Key    string
}

// IsConfigured reports whether alerts can be sent to Zabbix.
func (c *ZabbixConfig) IsConfigured() bool {
	return c.Server != "" && c.Host != "" && c.Key != ""
}

// sendZabbixEvent sends an event to Zabbix with the given value string.
func sendZabbixEvent(cfg *ZabbixConfig, value string) error {
	if !cfg.IsConfigured() {
		return nil
	}
	req := zabbixRequest{
		Request: "sender data",
		Data:    []zabbixItem{{Host: cfg.Host, Key: cfg.Key, Value: value}},
	}
	return sendZabbixPayload(cfg.Server, cfg.Port, req)
}

// zabbixValue formats an alert as a key=value trapper line.
func zabbixValue(a *Alert) string {
	parts := []string{"event=" + strings.ToUpper(string(a.Event))}
	if a.File != "" {
		parts = append(parts, "file="+filepath.Base(a.File))
	}
	if a.StopReason != "" {
		parts = append(parts, "stop_reason="+string(a.StopReason))
	}
	if a.Event == EventCaptureSilent {
		parts = append(parts,
			fmt.Sprintf("peak_l=%.1f", a.PeakLeftDB),
			fmt.Sprintf("peak_r=%.1f", a.PeakRightDB),
			fmt.Sprintf("threshold=%.1f", a.ThresholdDB))
	}
	if a.RetryCount > 0 {
		parts = append(parts, "retries="+strconv.Itoa(a.RetryCount))
	}
	if a.Error != "" {
		parts = append(parts, strconv.Quote(util.ExtractLastError(a.Error)))
	}
	return strings.Join(parts, " ")
}

// SendAlertZabbix sends an alert to the Zabbix trapper item.
func SendAlertZabbix(cfg *ZabbixConfig, a *Alert) error {
	return sendZabbixEvent(cfg, zabbixValue(a))
}

// SendTestZabbix sends a test message to verify Zabbix config.
func SendTestZabbix(cfg *ZabbixConfig) error {
	if !cfg.IsConfigured() {
		return fmt.Errorf("zabbix is not configured")
	}
	return sendZabbixEvent(cfg, "event=TEST source=zwfm-systemtap")
}
