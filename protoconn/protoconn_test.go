package protoconn

import (
	"testing"

	"github.com/mxgateway/gateway/codec"
	"github.com/mxgateway/gateway/mysqlcrypto"
)

func TestServerHandshakeAcceptsCorrectPassword(t *testing.T) {
	ep := NewServerEndpoint(1)
	_, _, err := ep.BeginGreeting()
	if err != nil {
		t.Fatalf("BeginGreeting: %v", err)
	}
	if ep.State != StateAuthSent {
		t.Fatalf("expected AUTH_SENT, got %v", ep.State)
	}

	password := "hunter2"
	stored := mysqlcrypto.SHA1Twice([]byte(password))
	token := mysqlcrypto.NativePasswordToken([]byte(password), ep.Scramble)

	resp := &HandshakeResponse{User: "root", AuthResponse: token, ClientFlags: 0}
	lookup := func(user string) (Credentials, error) {
		var c Credentials
		copy(c.StoredSHA1[:], stored)
		c.Found = true
		return c, nil
	}

	result, err := ep.CompleteServerAuth(resp, lookup)
	if err != nil {
		t.Fatalf("CompleteServerAuth: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected auth to be accepted")
	}
	if ep.State != StateIdle {
		t.Fatalf("expected IDLE after successful auth, got %v", ep.State)
	}
}

func TestServerHandshakeRejectsWrongPassword(t *testing.T) {
	ep := NewServerEndpoint(1)
	ep.BeginGreeting()

	stored := mysqlcrypto.SHA1Twice([]byte("correct"))
	token := mysqlcrypto.NativePasswordToken([]byte("wrong"), ep.Scramble)

	resp := &HandshakeResponse{User: "root", AuthResponse: token}
	lookup := func(user string) (Credentials, error) {
		var c Credentials
		copy(c.StoredSHA1[:], stored)
		c.Found = true
		return c, nil
	}

	result, err := ep.CompleteServerAuth(resp, lookup)
	if err != nil {
		t.Fatalf("CompleteServerAuth: %v", err)
	}
	if result.Accepted {
		t.Fatalf("expected rejection")
	}
	if result.ErrCode != 1045 || result.SQLState != "28000" {
		t.Fatalf("expected ER_ACCESS_DENIED_ERROR 1045/28000, got %d/%s", result.ErrCode, result.SQLState)
	}
	if ep.State != StateAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %v", ep.State)
	}
}

func TestServerHandshakeRejectsUnknownUser(t *testing.T) {
	ep := NewServerEndpoint(1)
	ep.BeginGreeting()

	resp := &HandshakeResponse{User: "ghost", AuthResponse: make([]byte, 20)}
	lookup := func(user string) (Credentials, error) {
		return Credentials{Found: false}, nil
	}

	result, err := ep.CompleteServerAuth(resp, lookup)
	if err != nil {
		t.Fatalf("CompleteServerAuth: %v", err)
	}
	if result.Accepted {
		t.Fatalf("expected rejection for unknown user")
	}
	if ep.State != StateAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %v", ep.State)
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	token := make([]byte, 20)
	for i := range token {
		token[i] = byte(i)
	}
	raw := EncodeHandshakeResponse("alice", "whatever", "mydb", token, 1)
	payload, seq, consumed, err := codec.SplitPacket(raw)
	if err != nil {
		t.Fatalf("SplitPacket: %v", err)
	}
	if seq != 1 || consumed != len(raw) {
		t.Fatalf("unexpected framing: seq=%d consumed=%d", seq, consumed)
	}

	resp, err := DecodeHandshakeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeHandshakeResponse: %v", err)
	}
	if resp.User != "alice" {
		t.Fatalf("expected user alice, got %q", resp.User)
	}
	if resp.Database != "mydb" {
		t.Fatalf("expected database mydb, got %q", resp.Database)
	}
}

func TestChangeUserTransitions(t *testing.T) {
	ep := NewServerEndpoint(1)
	ep.State = StateIdle

	if err := ep.BeginChangeUser(); err != nil {
		t.Fatalf("BeginChangeUser: %v", err)
	}
	if ep.State != StateSessionChange {
		t.Fatalf("expected SESSION_CHANGE, got %v", ep.State)
	}

	ep.CompleteChangeUser(true, "newuser", "newdb")
	if ep.State != StateIdle {
		t.Fatalf("expected IDLE after accepted change-user, got %v", ep.State)
	}
	if ep.User != "newuser" || ep.Database != "newdb" {
		t.Fatalf("expected session fields updated, got user=%q db=%q", ep.User, ep.Database)
	}
}

func TestChangeUserRejectionGoesToAuthFailed(t *testing.T) {
	ep := NewServerEndpoint(1)
	ep.State = StateIdle
	ep.BeginChangeUser()
	ep.CompleteChangeUser(false, "newuser", "newdb")
	if ep.State != StateAuthFailed {
		t.Fatalf("expected AUTH_FAILED on rejected change-user, got %v", ep.State)
	}
}

func TestSequenceGapDetected(t *testing.T) {
	ep := NewServerEndpoint(1)
	if err := ep.CheckSequence(0); err != nil {
		t.Fatalf("first packet should never error: %v", err)
	}
	if err := ep.CheckSequence(2); err == nil {
		t.Fatalf("expected a sequence gap error")
	}
}

func TestTryReadPacketWaitsOnShortHeader(t *testing.T) {
	_, _, _, ok, err := TryReadPacket([]byte{0x01, 0x00})
	if err != nil {
		t.Fatalf("short header must not be an error, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for an incomplete header")
	}
}

func TestTryReadPacketWaitsOnShortPayload(t *testing.T) {
	full := codec.WrapPacket([]byte("hello"), 0)
	_, _, _, ok, err := TryReadPacket(full[:len(full)-2])
	if err != nil {
		t.Fatalf("short payload must not be an error, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for an incomplete payload")
	}
}

func TestTryReadPacketSingle(t *testing.T) {
	full := codec.WrapPacket([]byte("select 1"), 3)
	payload, seq, consumed, ok, err := TryReadPacket(full)
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if string(payload) != "select 1" || seq != 3 || consumed != len(full) {
		t.Fatalf("unexpected parse: payload=%q seq=%d consumed=%d", payload, seq, consumed)
	}
}
