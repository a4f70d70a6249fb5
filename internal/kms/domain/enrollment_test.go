package domain

import "testing"

func TestSubValidate(t *testing.T) {
	tests := []struct {
		name    string
		sub     Sub
		wantErr bool
	}{
		{
			name:    "valid subscription",
			sub:     Sub{URL: "https://fcm.googleapis.com/fcm/send/abc123", Aud: "https://fcm.googleapis.com", Eid: "abc123"},
			wantErr: false,
		},
		{
			name:    "missing url",
			sub:     Sub{Aud: "https://fcm.googleapis.com", Eid: "abc123"},
			wantErr: true,
		},
		{
			name:    "url without scheme",
			sub:     Sub{URL: "fcm.googleapis.com/fcm/send/abc123", Aud: "https://fcm.googleapis.com", Eid: "abc123"},
			wantErr: true,
		},
		{
			name:    "blank aud",
			sub:     Sub{URL: "https://fcm.googleapis.com/fcm/send/abc123", Aud: "   ", Eid: "abc123"},
			wantErr: true,
		},
		{
			name:    "blank eid",
			sub:     Sub{URL: "https://fcm.googleapis.com/fcm/send/abc123", Aud: "https://fcm.googleapis.com", Eid: ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sub.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
