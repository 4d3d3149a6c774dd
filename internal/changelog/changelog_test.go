package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"purchasesync/internal/model"
)

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "changes.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	e1 := NewEvent(model.TablePurchases, Insert, model.Row{"id": 1, "vendor_name": "ACME"}, nil)
	e2 := NewEvent(model.TableItems, Delete, nil, model.Row{"id": 10})
	if err := w.Append(e1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(e2); err != nil {
		t.Fatalf("append2: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "changes.jsonl"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []ChangeEvent
	for s.Scan() {
		ev, err := Decode(s.Bytes())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, ev)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if got[0].ID != e1.ID || got[0].Type != Insert || got[0].Table != model.TablePurchases {
		t.Fatalf("mismatch: %+v vs %+v", got[0], e1)
	}
	if id, ok := got[1].RowID(); !ok || id != 10 {
		t.Fatalf("delete id: %d %v", id, ok)
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	ev := NewEvent(model.TableItems, Update, model.Row{"id": 42, "quantity": 3}, nil)
	if err := kw.Append(ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "purchase_request_items#42" {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	var back map[string]any
	if err := json.Unmarshal(fk.msgs[0].Value, &back); err != nil {
		t.Fatalf("value not json: %v", err)
	}
	if back["type"] != "UPDATE" {
		t.Fatalf("bad type: %v", back["type"])
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	kw := NewKafkaWriterWith(fk)
	if err := kw.Append(NewEvent(model.TableItems, Update, model.Row{"id": 1}, nil)); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeRedisPublisher struct {
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakeRedisPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func TestRedisWriter_PublishesPerTableChannel(t *testing.T) {
	fp := &fakeRedisPublisher{}
	w := NewRedisWriterWith(fp, "purchasesync:")
	if err := w.Append(NewEvent(model.TablePurchases, Insert, model.Row{"id": 7}, nil)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fp.channels) != 1 || fp.channels[0] != "purchasesync:purchase_requests" {
		t.Fatalf("channels: %v", fp.channels)
	}
	ev, err := Decode(fp.payloads[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id, _ := ev.RowID(); id != 7 {
		t.Fatalf("row id %d", id)
	}

	fp.err = errors.New("down")
	if err := w.Append(NewEvent(model.TablePurchases, Insert, model.Row{"id": 8}, nil)); err == nil {
		t.Fatalf("expected error")
	}
}

type countingWriter struct {
	n   int
	err error
}

func (c *countingWriter) Append(ChangeEvent) error {
	c.n++
	return c.err
}

func TestMultiWriter_StopsOnFirstError(t *testing.T) {
	a, b, c := &countingWriter{}, &countingWriter{err: errors.New("x")}, &countingWriter{}
	m := NewMultiWriter(a, b, c)
	if err := m.Append(NewEvent(model.TablePurchases, Delete, nil, model.Row{"id": 1})); err == nil {
		t.Fatalf("expected error")
	}
	if a.n != 1 || b.n != 1 || c.n != 0 {
		t.Fatalf("calls a=%d b=%d c=%d", a.n, b.n, c.n)
	}
}

func TestDecode_Validates(t *testing.T) {
	cases := map[string]string{
		"no id on insert": `{"table":"purchase_requests","type":"INSERT","new":{}}`,
		"no id on delete": `{"table":"purchase_requests","type":"DELETE"}`,
		"bad type":        `{"table":"purchase_requests","type":"UPSERT","new":{"id":1}}`,
		"not json":        `{`,
	}
	for name, in := range cases {
		if _, err := Decode([]byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	ev, err := Decode([]byte(`{"table":"purchase_requests","type":"DELETE","old":{"id":9007199254740993}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id, _ := ev.RowID(); id != 9007199254740993 {
		t.Fatalf("large id lost precision: %d", id)
	}
}
