package eventsourcing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Content types written into the metadata header.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/protobuf"
)

// EventMetadata is the contextual information stored alongside each event.
type EventMetadata struct {
	// CorrelationID groups events that belong to the same business transaction.
	CorrelationID string
	// CausationID is the id of the message that caused the event.
	CausationID string
	// PrincipalID identifies the user, service or system that produced the event.
	PrincipalID string
	// Custom holds application specific entries.
	Custom map[string]string
}

// EncodedEvent is the serialized form handed to the stream store.
type EncodedEvent struct {
	// TypeTag is the short display name of the event type.
	TypeTag  string
	Payload  []byte
	Metadata []byte
}

// Codec turns events into records and back.
type Codec interface {
	Encode(event any, md EventMetadata) (EncodedEvent, error)
	Decode(metadata, payload []byte) (any, error)
}

// metadataHeader is the JSON layout of EncodedEvent.Metadata.
type metadataHeader struct {
	EventType     string            `json:"event_type"`
	ContentType   string            `json:"content_type"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	PrincipalID   string            `json:"principal_id,omitempty"`
	Custom        map[string]string `json:"custom,omitempty"`
}

// Header is the parsed metadata of a stored record.
type Header struct {
	// EventType is the registry key of the payload type.
	EventType   string
	ContentType string
	EventMetadata
}

// ParseHeader reads the metadata header of a stored record.
func ParseHeader(metadata []byte) (Header, error) {
	var h metadataHeader
	if err := json.Unmarshal(metadata, &h); err != nil {
		return Header{}, &DecodeError{Err: fmt.Errorf("malformed metadata header: %w", err)}
	}
	if h.EventType == "" {
		return Header{}, &DecodeError{Err: fmt.Errorf("metadata header has no event_type")}
	}
	return Header{
		EventType:   h.EventType,
		ContentType: h.ContentType,
		EventMetadata: EventMetadata{
			CorrelationID: h.CorrelationID,
			CausationID:   h.CausationID,
			PrincipalID:   h.PrincipalID,
			Custom:        h.Custom,
		},
	}, nil
}

type registration struct {
	key         string
	typeTag     string
	contentType string
	newEvent    func() any
}

func (r registration) marshal(event any) ([]byte, error) {
	if r.contentType == ContentTypeProtobuf {
		msg, ok := event.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("event %T is not a proto message", event)
		}
		return proto.Marshal(msg)
	}
	return json.Marshal(event)
}

var errEmptyPayload = errors.New("empty payload")

// unmarshal is strict: fields the event type does not declare are errors
// for both content types.
func (r registration) unmarshal(payload []byte) (any, error) {
	event := r.newEvent()
	if r.contentType == ContentTypeProtobuf {
		msg := event.(proto.Message)
		if err := (proto.UnmarshalOptions{DiscardUnknown: false}).Unmarshal(payload, msg); err != nil {
			return nil, err
		}
		if unknown := msg.ProtoReflect().GetUnknown(); len(unknown) > 0 {
			return nil, fmt.Errorf("%d bytes of unknown fields for %s", len(unknown), r.key)
		}
		return event, nil
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errEmptyPayload
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(event); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after event payload")
	}
	return event, nil
}

// typeTagFor derives the short type tag from the Go type name. Anonymous
// and generic types have no usable name; they are tagged with key instead.
func typeTagFor(typ reflect.Type, key string) string {
	name := typ.Name()
	if name == "" || strings.ContainsAny(name, "[]*> .\t") {
		return key
	}
	return name
}

// Registry is the default Codec. It maps stable string keys to event
// constructors; every event type written or read must be registered first.
// Decoded events are always pointers (*T).
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]registration
	byType map[reflect.Type]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]registration),
		byType: make(map[reflect.Type]registration),
	}
}

// Register adds the JSON encoded event type T under key.
// Both T and *T values are accepted by Encode.
func Register[T any](r *Registry, key string) error {
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Pointer {
		return fmt.Errorf("%w: register the element type, not %s", ErrInvalidArgument, typ)
	}
	return r.add(typ, registration{
		key:         key,
		typeTag:     typeTagFor(typ, key),
		contentType: ContentTypeJSON,
		newEvent:    func() any { return new(T) },
	})
}

// MustRegister is Register for package initialization; it panics on error.
func MustRegister[T any](r *Registry, key string) {
	if err := Register[T](r, key); err != nil {
		panic(err)
	}
}

// RegisterProto adds a protobuf event type. The key is the message's full
// name, the type tag its short name.
func RegisterProto(r *Registry, msg proto.Message) error {
	desc := msg.ProtoReflect().Descriptor()
	typ := reflect.TypeOf(msg)
	if typ.Kind() != reflect.Pointer {
		return fmt.Errorf("%w: proto message %s must be a pointer", ErrInvalidArgument, typ)
	}
	return r.add(typ.Elem(), registration{
		key:         string(desc.FullName()),
		typeTag:     string(desc.Name()),
		contentType: ContentTypeProtobuf,
		newEvent:    func() any { return msg.ProtoReflect().New().Interface() },
	})
}

func (r *Registry) add(typ reflect.Type, reg registration) error {
	if reg.key == "" {
		return fmt.Errorf("%w: empty event type key for %s", ErrInvalidArgument, typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[reg.key]; ok {
		return fmt.Errorf("%w: event type key %q already registered for %s",
			ErrInvalidArgument, reg.key, existing.typeTag)
	}
	if existing, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: %s already registered as %q", ErrInvalidArgument, typ, existing.key)
	}

	r.byKey[reg.key] = reg
	r.byType[typ] = reg
	r.byType[reflect.PointerTo(typ)] = reg
	return nil
}

// Keys returns the registered event type keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

// Encode serializes event and builds its metadata header.
func (r *Registry) Encode(event any, md EventMetadata) (EncodedEvent, error) {
	if event == nil {
		return EncodedEvent{}, fmt.Errorf("%w: nil event", ErrInvalidArgument)
	}

	r.mu.RLock()
	reg, ok := r.byType[reflect.TypeOf(event)]
	r.mu.RUnlock()
	if !ok {
		return EncodedEvent{}, fmt.Errorf("%w: %T is not registered", ErrUnknownEventType, event)
	}

	payload, err := reg.marshal(event)
	if err != nil {
		return EncodedEvent{}, fmt.Errorf("encode %s: %w", reg.key, err)
	}

	header, err := json.Marshal(metadataHeader{
		EventType:     reg.key,
		ContentType:   reg.contentType,
		CorrelationID: md.CorrelationID,
		CausationID:   md.CausationID,
		PrincipalID:   md.PrincipalID,
		Custom:        md.Custom,
	})
	if err != nil {
		return EncodedEvent{}, fmt.Errorf("encode metadata for %s: %w", reg.key, err)
	}

	return EncodedEvent{TypeTag: reg.typeTag, Payload: payload, Metadata: header}, nil
}

// Decode reconstructs an event from its metadata header and payload.
// Failures are reported as *DecodeError.
func (r *Registry) Decode(metadata, payload []byte) (any, error) {
	h, err := ParseHeader(metadata)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	reg, ok := r.byKey[h.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{
			EventType: h.EventType,
			Err:       fmt.Errorf("%w: %s", ErrUnknownEventType, h.EventType),
		}
	}

	if h.ContentType != "" && h.ContentType != reg.contentType {
		return nil, &DecodeError{
			EventType: h.EventType,
			Err:       fmt.Errorf("content type %s, registered as %s", h.ContentType, reg.contentType),
		}
	}

	event, err := reg.unmarshal(payload)
	if err != nil {
		return nil, &DecodeError{EventType: h.EventType, Err: err}
	}
	return event, nil
}

var _ Codec = (*Registry)(nil)
