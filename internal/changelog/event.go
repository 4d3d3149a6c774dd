package changelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"purchasesync/internal/model"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ChangeEvent is one row change on a watched table. New carries the row after
// the change (INSERT, UPDATE); Old carries at least the id for DELETE.
type ChangeEvent struct {
	ID       string    `json:"id"`
	Table    string    `json:"table"`
	Type     EventType `json:"type"`
	New      model.Row `json:"new,omitempty"`
	Old      model.Row `json:"old,omitempty"`
	CommitTS time.Time `json:"commit_ts"`
}

func NewEvent(table string, typ EventType, newRow, oldRow model.Row) ChangeEvent {
	return ChangeEvent{
		ID:       uuid.NewString(),
		Table:    table,
		Type:     typ,
		New:      newRow,
		Old:      oldRow,
		CommitTS: time.Now().UTC(),
	}
}

// RowID is the id of the changed row, taken from New and then Old.
func (e ChangeEvent) RowID() (int64, bool) {
	if id, ok := e.New.ID(); ok {
		return id, true
	}
	return e.Old.ID()
}

// Key partitions events per row: "<table>#<id>".
func (e ChangeEvent) Key() string {
	id, _ := e.RowID()
	return e.Table + "#" + strconv.FormatInt(id, 10)
}

func (e ChangeEvent) Validate() error {
	switch e.Type {
	case Insert, Update:
		if _, ok := e.New.ID(); !ok {
			return fmt.Errorf("%s event on %s without new.id", e.Type, e.Table)
		}
	case Delete:
		if _, ok := e.RowID(); !ok {
			return fmt.Errorf("delete event on %s without id", e.Table)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Decode parses one JSON event. Numbers stay json.Number so large ids and
// money values survive untouched.
func Decode(b []byte) (ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var ev ChangeEvent
	if err := dec.Decode(&ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

func Encode(ev ChangeEvent) ([]byte, error) {
	b, err := json.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}
