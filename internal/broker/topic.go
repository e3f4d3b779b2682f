// Package broker wraps the MQTT transport and the topic grammar shared by
// the ingest source, command dispatcher, and receipt listener.
package broker

import (
	"errors"
	"strings"
)

// Topic grammar errors.
var (
	ErrTopicPrefix = errors.New("broker: topic does not match prefix")
	ErrTopicArity  = errors.New("broker: topic has too few segments")
)

// DataScope is the parse result of a data topic.
type DataScope struct {
	TenantID  string
	ProjectID string
	SourceID  string
	Address   string
}

// ReceiptScope is the parse result of a receipt topic.
type ReceiptScope struct {
	TenantID  string
	ProjectID string
	CommandID string
}

func stripPrefix(prefix, topic string) (string, error) {
	prefix = strings.Trim(prefix, "/")
	topic = strings.Trim(topic, "/")
	if prefix == "" {
		return topic, nil
	}
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return "", ErrTopicPrefix
	}
	return strings.TrimPrefix(rest, "/"), nil
}

func splitSegments(rest string) []string {
	parts := strings.Split(rest, "/")
	segments := parts[:0]
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// ParseData parses {prefix}/{tenant}/{project}/{address...} or, with
// includeSourceID, {prefix}/{tenant}/{project}/{source}/{address...}. The
// address is the slash-joined remainder.
func ParseData(prefix, topic string, includeSourceID bool) (DataScope, error) {
	rest, err := stripPrefix(prefix, topic)
	if err != nil {
		return DataScope{}, err
	}
	segments := splitSegments(rest)
	minSegments := 3
	if includeSourceID {
		minSegments = 4
	}
	if len(segments) < minSegments {
		return DataScope{}, ErrTopicArity
	}
	scope := DataScope{TenantID: segments[0], ProjectID: segments[1]}
	if includeSourceID {
		scope.SourceID = segments[2]
		scope.Address = strings.Join(segments[3:], "/")
	} else {
		scope.Address = strings.Join(segments[2:], "/")
	}
	return scope, nil
}

// ParseReceipt parses {prefix}/{tenant}/{project}/{...}/{command_id}. Extra
// segments between project and command id are ignored; the command id is
// always the last segment.
func ParseReceipt(prefix, topic string) (ReceiptScope, error) {
	rest, err := stripPrefix(prefix, topic)
	if err != nil {
		return ReceiptScope{}, err
	}
	segments := splitSegments(rest)
	if len(segments) < 3 {
		return ReceiptScope{}, ErrTopicArity
	}
	return ReceiptScope{
		TenantID:  segments[0],
		ProjectID: segments[1],
		CommandID: segments[len(segments)-1],
	}, nil
}

// BuildCommand composes the command topic per the configured arity.
func BuildCommand(prefix, tenantID, projectID, target, commandID string, includeTarget bool) string {
	prefix = strings.TrimRight(prefix, "/")
	if includeTarget {
		target = strings.Trim(target, "/")
		return prefix + "/" + tenantID + "/" + projectID + "/" + target + "/" + commandID
	}
	return prefix + "/" + tenantID + "/" + projectID + "/" + commandID
}

// BuildData composes a data topic. Used by tests and tooling that emit
// telemetry frames.
func BuildData(prefix, tenantID, projectID, sourceID, address string, includeSourceID bool) string {
	prefix = strings.TrimRight(prefix, "/")
	if includeSourceID {
		return prefix + "/" + tenantID + "/" + projectID + "/" + sourceID + "/" + address
	}
	return prefix + "/" + tenantID + "/" + projectID + "/" + address
}

// SubscribeFilter returns the wildcard filter covering every topic under
// the prefix.
func SubscribeFilter(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/#"
}
