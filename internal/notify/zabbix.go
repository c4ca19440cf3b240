package notify

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Zabbix protocol constants.
const (
	zabbixTimeout    = 5 * time.Second
	zabbixHeaderSize = 13        // "ZBXD\x01" (5) + uint64 length (8)
	maxReplySize     = 64 * 1024
	// defaultZabbixPort is the trapper port used when none is configured.
	defaultZabbixPort = 10051
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

// zabbixFrame prefixes data with the ZBXD header and its little-endian length.
func zabbixFrame(data []byte) []byte {
	frame := make([]byte, zabbixHeaderSize, zabbixHeaderSize+len(data))
	copy(frame, zabbixMagic[:])
	binary.LittleEndian.PutUint64(frame[len(zabbixMagic):], uint64(len(data)))
	return append(frame, data...)
}

// readZabbixFrame reads one framed reply from r.
func readZabbixFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, zabbixHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, util.WrapError("read zabbix reply header", err)
	}
	if !bytes.Equal(header[:len(zabbixMagic)], zabbixMagic[:]) {
		return nil, fmt.Errorf("invalid zabbix reply header")
	}

	size := binary.LittleEndian.Uint64(header[len(zabbixMagic):])
	switch {
	case size == 0:
		return nil, fmt.Errorf("empty zabbix reply")
	case size > maxReplySize:
		return nil, fmt.Errorf("zabbix reply too large: %d bytes (max %d)", size, maxReplySize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, util.WrapError("read zabbix reply body", err)
	}
	return body, nil
}

// sendZabbixPayload sends payload to server:port and checks the trapper reply.
func sendZabbixPayload(server string, port int, payload zabbixRequest) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal zabbix payload", err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(server, strconv.Itoa(port)), zabbixTimeout)
	if err != nil {
		return util.WrapError("connect to zabbix", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(zabbixTimeout)); err != nil {
		return util.WrapError("set deadline", err)
	}
	if _, err := conn.Write(zabbixFrame(data)); err != nil {
		return util.WrapError("write zabbix payload", err)
	}

	reply, err := readZabbixFrame(conn)
	if err != nil {
		return err
	}

	var resp zabbixResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return util.WrapError("parse zabbix reply", err)
	}
	if resp.Response == "failed" {
		return fmt.Errorf("zabbix rejected data: %s", resp.Info)
	}
	// Unknown host or key: the server answers success but processes nothing.
	if strings.Contains(resp.Info, "processed: 0;") {
		return fmt.Errorf("zabbix processed no items (check host/key config)")
	}
	return nil
}

// sendZabbixEvent sends one value to the trapper item configured in cfg.
func sendZabbixEvent(cfg types.ZabbixConfig, value string) error {
	if !zabbixConfigured(cfg) {
		return nil
	}
	req := zabbixRequest{
		Request: "sender data",
		Data:    []zabbixItem{{Host: cfg.Host, Key: cfg.Key, Value: value}},
	}
	return sendZabbixPayload(cfg.Server, cmp.Or(cfg.Port, defaultZabbixPort), req)
}

func zabbixConfigured(cfg types.ZabbixConfig) bool {
	return util.IsConfigured(cfg.Server, cfg.Host, cfg.Key)
}

// zabbixValue formats an alert as the trapper item value.
func zabbixValue(kind Kind, msg string) string {
	return fmt.Sprintf("event=%s source=zwfm-recorder message=%q", strings.ToUpper(string(kind)), msg)
}
