package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := EncodeEvent(EventOffer, "", "peer-1", "peer-2", SessionDescription{Type: "offer", SDP: "v=0..."})
	if err != nil {
		t.Fatalf("EncodeEvent() error: %v", err)
	}

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Event != EventOffer || frame.TargetID != "peer-1" || frame.SenderID != "peer-2" {
		t.Errorf("frame = %+v, want offer to peer-1 from peer-2", frame)
	}

	var sdp SessionDescription
	if err := json.Unmarshal(frame.Data, &sdp); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if sdp.SDP != "v=0..." {
		t.Errorf("sdp = %q, want the original", sdp.SDP)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Decode(garbage) succeeded, want error")
	}
	if _, err := Decode([]byte(`{"roomId":"r"}`)); err == nil {
		t.Error("Decode(no event) succeeded, want error")
	}
}

func TestEncodeEventWithoutPayload(t *testing.T) {
	t.Parallel()

	raw, err := EncodeEvent(EventLeaveMeeting, "room-1", "", "peer-1", nil)
	if err != nil {
		t.Fatalf("EncodeEvent() error: %v", err)
	}
	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(frame.Data) != 0 {
		t.Errorf("frame data = %q, want empty", frame.Data)
	}
}

func TestMessageTypeVocabulary(t *testing.T) {
	t.Parallel()

	for _, typ := range []MessageType{
		MessageChat, MessageMute, MessageUnmute, MessageCamOn, MessageCamOff, MessageRaiseHand,
		MessageLowerHand, MessageEmote, MessageScreenshare, MessageScreenshareOff, MessageMediaDevice,
		MessageJoin, MessageLeave,
	} {
		if !typ.Valid() {
			t.Errorf("MessageType(%q).Valid() = false, want true", typ)
		}
	}
	if MessageType("shout").Valid() {
		t.Error(`MessageType("shout").Valid() = true, want false`)
	}

	if !MessageCamOn.VideoMessage() || !MessageScreenshare.VideoMessage() {
		t.Error("camon and screenshare should count as video messages")
	}
	if MessageMute.VideoMessage() {
		t.Error("mute should not count as a video message")
	}
}
