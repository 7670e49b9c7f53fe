package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"

	"github.com/golang-jwt/jwt/v4"
)

func TestDecodeMessageByTypeTag(t *testing.T) {
	reg := message.FullRegistry()
	body := strings.NewReader(`{
		"msg_type": "email",
		"receiver": "someone@example.com",
		"content": "hello",
		"subject": "greetings",
		"priority": 3
	}`)

	msg, err := decodeMessage(body, reg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	email, ok := msg.(*message.EmailMessage)
	if !ok {
		t.Fatalf("expected *EmailMessage, got %T", msg)
	}
	if email.Subject != "greetings" {
		t.Errorf("variant field lost: %+v", email)
	}
	if email.Priority != message.PriorityImmediately {
		t.Errorf("expected immediately priority, got %d", email.Priority)
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	reg := message.FullRegistry()
	_, err := decodeMessage(strings.NewReader(`{"msg_type":"pigeon"}`), reg)
	if err == nil {
		t.Error("unknown type tag must be rejected")
	}
}

func TestDecodeMessageMalformedBody(t *testing.T) {
	reg := message.FullRegistry()
	_, err := decodeMessage(strings.NewReader(`{not json`), reg)
	if err == nil {
		t.Error("malformed body must be rejected")
	}
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	mw := authMiddleware(secret, log.NewNop())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	protected := mw(next)

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/messages", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call(""); code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", code)
	}
	if code := call("Bearer not-a-token"); code != http.StatusUnauthorized {
		t.Errorf("garbage token: expected 401, got %d", code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := call("Bearer " + signed); code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", code)
	}

	wrong := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "tester"})
	badSig, err := wrong.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := call("Bearer " + badSig); code != http.StatusUnauthorized {
		t.Errorf("wrong signature: expected 401, got %d", code)
	}
}
