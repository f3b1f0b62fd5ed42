package stream

import "testing"

func TestValueCarrier_SetGet(t *testing.T) {
	c := ValueCarrier{}
	c.Set("traceparent", "00-abc-def-01")
	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("Get = %q, want injected value", got)
	}
}

func TestValueCarrier_GetMissingOrNonString(t *testing.T) {
	c := ValueCarrier{"count": 3}
	if got := c.Get("absent"); got != "" {
		t.Errorf("Get(absent) = %q, want empty", got)
	}
	if got := c.Get("count"); got != "" {
		t.Errorf("Get(non-string) = %q, want empty", got)
	}
}

func TestMessage_Payload(t *testing.T) {
	m := Message{Values: map[string]interface{}{payloadField: `{"task_id":"t-1"}`}}
	if string(m.Payload()) != `{"task_id":"t-1"}` {
		t.Errorf("Payload = %q", m.Payload())
	}
	empty := Message{Values: map[string]interface{}{}}
	if empty.Payload() != nil {
		t.Errorf("Payload on missing field should be nil")
	}
}

func TestNames(t *testing.T) {
	if StreamFor("gemini") != "gemini_stream" {
		t.Errorf("StreamFor = %q", StreamFor("gemini"))
	}
	if GroupFor("gemini") != "gemini_workers_group" {
		t.Errorf("GroupFor = %q", GroupFor("gemini"))
	}
}
