package alerter

import (
	"encoding/json"
	"fmt"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// TimestampLayout is the envelope timestamp: UTC with microseconds.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Envelope is an alert in the layout of a Wazuh alerts.json line.
type Envelope struct {
	Timestamp string          `json:"timestamp"`
	Rule      EnvelopeRule    `json:"rule"`
	Agent     EnvelopeAgent   `json:"agent"`
	Manager   EnvelopeManager `json:"manager"`
	Data      EnvelopeData    `json:"data"`
	Location  string          `json:"location"`
}

type EnvelopeRule struct {
	Level        int    `json:"level"`
	Description  string `json:"description"`
	ID           string `json:"id"`
	PcapAnalyzer bool   `json:"pcap_analyzer"`
}

type EnvelopeAgent struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type EnvelopeManager struct {
	Name string `json:"name"`
}

type EnvelopeData struct {
	AlertType string `json:"alert_type"`
	SrcIP     string `json:"src_ip"`
	DstIP     string `json:"dst_ip,omitempty"`
	Severity  int    `json:"severity"`
}

// NewEnvelope wraps an alert with the agent identity from cfg.
func NewEnvelope(a model.Alert, cfg config.SinkConfig) Envelope {
	env := Envelope{
		Timestamp: a.Timestamp.UTC().Format(TimestampLayout),
		Rule: EnvelopeRule{
			Level:        a.Severity,
			Description:  a.Details,
			ID:           fmt.Sprintf("100%d", a.Severity),
			PcapAnalyzer: true,
		},
		Agent:    EnvelopeAgent{Name: cfg.AgentName, ID: cfg.AgentID},
		Manager:  EnvelopeManager{Name: cfg.ManagerName},
		Location: cfg.Location,
		Data: EnvelopeData{
			AlertType: string(a.Type),
			SrcIP:     model.AddrString(a.SrcIP),
			Severity:  a.Severity,
		},
	}
	if a.DstIP.IsValid() {
		env.Data.DstIP = a.DstIP.String()
	}
	return env
}

// Time parses the envelope timestamp.
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, e.Timestamp)
}

// Encode serializes the envelope as JSON or as a protobuf Struct.
func (e Envelope) Encode(encoding string) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	switch encoding {
	case "", "json":
		return data, nil
	case "proto":
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
		st, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
		}
		return proto.Marshal(st)
	default:
		return nil, fmt.Errorf("unknown envelope encoding %q", encoding)
	}
}

// DecodeEnvelope is the inverse of Encode.
func DecodeEnvelope(data []byte, encoding string) (Envelope, error) {
	var env Envelope
	if encoding == "proto" {
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return env, err
		}
		raw, err := st.MarshalJSON()
		if err != nil {
			return env, err
		}
		data = raw
	}
	err := json.Unmarshal(data, &env)
	return env, err
}
