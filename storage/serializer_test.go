package storage

import (
	"testing"
	"time"
)

func TestJSONSerializerRoundTrip(t *testing.T) {
	serializer := NewJSONSerializer()

	testData := map[string]any{
		"user_id": "u1",
		"score":   720,
	}

	data, err := serializer.Marshal(testData)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshaled data should not be empty")
	}

	var result map[string]any
	if err := serializer.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if result["user_id"] != "u1" {
		t.Fatalf("Expected 'u1', got %v", result["user_id"])
	}
}

func TestGetSerializer(t *testing.T) {
	tests := []struct {
		format string
		valid  bool
	}{
		{"json", true},
		{"msgpack", true},
		{"", true},
		{"protobuf", false},
	}

	for _, test := range tests {
		serializer, err := GetSerializer(test.format)
		if test.valid && err != nil {
			t.Fatalf("Failed to get serializer for format %q: %v", test.format, err)
		}
		if !test.valid && err == nil {
			t.Fatalf("Should return error for invalid format %q", test.format)
		}
		if test.valid && serializer == nil {
			t.Fatalf("Serializer should not be nil for format %q", test.format)
		}
	}
}

func TestSerializersWithStruct(t *testing.T) {
	type creditProfile struct {
		UserID     string    `json:"user_id"`
		Score      int       `json:"score"`
		ValidUntil time.Time `json:"valid_until"`
	}

	profile := creditProfile{
		UserID:     "u1",
		Score:      695,
		ValidUntil: time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
	}

	for _, format := range []string{FormatJSON, FormatMsgpack} {
		serializer, err := GetSerializer(format)
		if err != nil {
			t.Fatalf("Failed to get %s serializer: %v", format, err)
		}

		data, err := serializer.Marshal(profile)
		if err != nil {
			t.Fatalf("%s: failed to marshal: %v", format, err)
		}

		var result creditProfile
		if err := serializer.Unmarshal(data, &result); err != nil {
			t.Fatalf("%s: failed to unmarshal: %v", format, err)
		}
		if result.UserID != profile.UserID || result.Score != profile.Score {
			t.Fatalf("%s: unmarshaled data doesn't match original", format)
		}
		if !result.ValidUntil.Equal(profile.ValidUntil) {
			t.Fatalf("%s: valid_until drifted: %v != %v", format, result.ValidUntil, profile.ValidUntil)
		}
	}
}

func TestMsgpackSmallerThanJSON(t *testing.T) {
	payload := map[string]any{
		"status_code": 200,
		"body":        "a fairly representative response body for a loan listing",
		"headers":     map[string]string{"Content-Type": "application/json"},
	}

	jsonData, err := NewJSONSerializer().Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal JSON: %v", err)
	}
	packData, err := NewMsgpackSerializer().Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal msgpack: %v", err)
	}

	if len(packData) >= len(jsonData) {
		t.Fatalf("Expected msgpack (%d bytes) to be smaller than JSON (%d bytes)", len(packData), len(jsonData))
	}
}
