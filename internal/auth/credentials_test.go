package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractCredentialsPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		build   func(*http.Request)
		want    CredentialKind
		wantVal string
	}{
		{
			name:  "no credentials",
			build: func(r *http.Request) {},
			want:  CredentialNone,
		},
		{
			name: "session cookie",
			build: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "abc"})
			},
			want:    CredentialSession,
			wantVal: "abc",
		},
		{
			name: "cookie beats session header",
			build: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "abc"})
				r.Header.Set("X-Session-ID", "def")
			},
			want:    CredentialSession,
			wantVal: "abc",
		},
		{
			name: "session header beats bearer",
			build: func(r *http.Request) {
				r.Header.Set("X-Session-ID", "def")
				r.Header.Set("Authorization", "Bearer tok")
			},
			want:    CredentialSession,
			wantVal: "def",
		},
		{
			name: "bearer",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", "bearer tok")
			},
			want:    CredentialBearer,
			wantVal: "tok",
		},
		{
			name: "bearer beats api key",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer tok")
				r.Header.Set("X-API-Key-ID", "ak-1.secret")
			},
			want:    CredentialBearer,
			wantVal: "tok",
		},
		{
			name: "api key",
			build: func(r *http.Request) {
				r.Header.Set("X-API-Key-ID", "ak-1.secret")
			},
			want:    CredentialAPIKey,
			wantVal: "ak-1",
		},
		{
			name: "basic auth is not a bearer",
			build: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			},
			want: CredentialNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
			tt.build(r)
			creds, err := ExtractCredentials(r, "")
			if err != nil {
				t.Fatal(err)
			}
			if creds.Kind != tt.want {
				t.Fatalf("Kind = %v, want %v", creds.Kind, tt.want)
			}
			var got string
			switch creds.Kind {
			case CredentialSession:
				got = creds.SessionID
			case CredentialBearer:
				got = creds.Bearer
			case CredentialAPIKey:
				got = creds.APIKeyID
			}
			if got != tt.wantVal {
				t.Fatalf("value = %q, want %q", got, tt.wantVal)
			}
		})
	}
}

func TestExtractCredentialsAmbiguous(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.AddCookie(&http.Cookie{Name: "aussie_session", Value: "abc"})
	r.Header.Set("Authorization", "Bearer tok")

	if _, err := ExtractCredentials(r, ""); err != ErrAmbiguousCredentials {
		t.Fatalf("err = %v, want ErrAmbiguousCredentials", err)
	}
}

func TestExtractCredentialsCustomCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/svc-a/x", nil)
	r.AddCookie(&http.Cookie{Name: "my_session", Value: "abc"})

	creds, err := ExtractCredentials(r, "my_session")
	if err != nil {
		t.Fatal(err)
	}
	if creds.Kind != CredentialSession || creds.SessionID != "abc" {
		t.Fatalf("creds = %+v", creds)
	}
}
