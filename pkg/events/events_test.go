package events

import (
	"encoding/json"
	"testing"
)

func TestDecodeEventMood(t *testing.T) {
	// ワイヤ上のJSONから受信した状態を再現する
	raw := `{"type":"mood_update","payload":{"eventId":"e1","roomId":"lounge","userId":"u2","serverTs":1700000000123,"mood":"euphoria"}}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	mood, ok := ev.(MoodUpdate)
	if !ok {
		t.Fatalf("event type = %T, want MoodUpdate", ev)
	}
	if mood.Room() != "lounge" || mood.UserId != "u2" || mood.Mood != "euphoria" {
		t.Fatalf("mood = %+v", mood)
	}
	if mood.ServerTs != 1700000000123 {
		t.Fatalf("serverTs = %d", mood.ServerTs)
	}
}

func TestDecodeEventInteractionKeepsRawData(t *testing.T) {
	env := Envelope{
		Type: TypeRoomInteraction,
		Payload: map[string]interface{}{
			"roomId":          "lounge",
			"interactionType": "wave",
			"data":            map[string]interface{}{"target": "u3"},
		},
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	in := ev.(RoomInteraction)
	if in.InteractionType != "wave" {
		t.Fatalf("interactionType = %q", in.InteractionType)
	}
	// Dataは解釈せずそのまま保持される
	var data struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(in.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Target != "u3" {
		t.Fatalf("data.target = %q", data.Target)
	}
}

func TestDecodeEventUnknownType(t *testing.T) {
	env := Envelope{Type: "avatar_sparkle", Payload: map[string]interface{}{"x": 1}}
	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	u, ok := ev.(Unknown)
	if !ok {
		t.Fatalf("event type = %T, want Unknown", ev)
	}
	if u.EventType() != "avatar_sparkle" {
		t.Fatalf("EventType = %q", u.EventType())
	}
	if len(u.Raw) == 0 {
		t.Fatal("raw payload not preserved")
	}
}

func TestWrapUsesEventType(t *testing.T) {
	env := Wrap(CoinTransaction{Stamp: Stamp{RoomId: "lounge", UserId: "u1"}, Amount: 10})
	if env.Type != TypeCoinTransaction {
		t.Fatalf("env.Type = %q", env.Type)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ev, err := DecodeEvent(back)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if tx := ev.(CoinTransaction); tx.Amount != 10 || tx.Room() != "lounge" {
		t.Fatalf("tx = %+v", tx)
	}
}
