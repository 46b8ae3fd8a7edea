package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"shellq/internal/eventbus"
	"shellq/internal/proc"
	"shellq/internal/protocol"
	rsup "shellq/internal/runtime/supervisor"
	"shellq/internal/sched"
	"shellq/internal/state"
	logx "shellq/pkg/logx"
)

var testSecret = []byte("correct horse battery staple")

// testDaemon is a fully wired gateway with a real store, scheduler and
// process supervisor, listening on a unix socket.
type testDaemon struct {
	gw       *Gateway
	store    *state.Store
	procs    *proc.Supervisor
	sup      *rsup.Supervisor
	socket   string
	shutdown *atomic.Bool
}

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	bus := eventbus.New()
	store := state.New(logx.Nop(), bus)

	var schedRef *sched.Scheduler
	procs, err := proc.New(proc.Config{
		LogDir:    t.TempDir(),
		KillGrace: time.Second,
	}, logx.Nop(), func(id int, f state.Finish) {
		_ = store.Finish(id, f)
		if schedRef != nil {
			schedRef.Poke()
		}
	})
	if err != nil {
		t.Fatalf("proc.New: %v", err)
	}
	schedRef = sched.New(store, procs, logx.Nop())

	sup := rsup.New(context.Background())
	var wantStop atomic.Bool

	socket := filepath.Join(t.TempDir(), "shellq.sock")
	gw := New(Config{
		SocketPath:         socket,
		Secret:             testSecret,
		TLS:                serverTLS(t),
		AuthFailuresPerMin: 1000,
	}, logx.Nop(), store, schedRef, procs, sup, func() { wantStop.Store(true) })

	if err := gw.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	sup.Go("scheduler", schedRef.Run)
	sup.GoRestart("accept", gw.Serve)

	t.Cleanup(func() {
		_ = gw.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return &testDaemon{gw: gw, store: store, procs: procs, sup: sup, socket: socket, shutdown: &wantStop}
}

// serverTLS builds a throwaway self-signed keypair.
func serverTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "shellqd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
}

// connect performs the client half of the handshake: plaintext auth frame,
// ok response, TLS upgrade.
func connect(t *testing.T, d *testDaemon, secret []byte) (net.Conn, protocol.Response) {
	t.Helper()
	raw, err := net.DialTimeout("unix", d.socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	auth := protocol.Request{Kind: protocol.KindAuth, Auth: &protocol.AuthRequest{Secret: secret}}
	if err := protocol.Send(raw, auth); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	var resp protocol.Response
	if err := protocol.Recv(raw, &resp); err != nil {
		t.Fatalf("recv auth response: %v", err)
	}
	if resp.Kind != protocol.RespOK {
		_ = raw.Close()
		return nil, resp
	}

	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("tls handshake: %v", err)
	}
	t.Cleanup(func() { _ = tlsConn.Close() })
	return tlsConn, resp
}

func roundTrip(t *testing.T, conn net.Conn, req protocol.Request) protocol.Response {
	t.Helper()
	if err := protocol.Send(conn, req); err != nil {
		t.Fatalf("send %s: %v", req.Kind, err)
	}
	var resp protocol.Response
	if err := protocol.Recv(conn, &resp); err != nil {
		t.Fatalf("recv %s response: %v", req.Kind, err)
	}
	return resp
}

func waitStatus(t *testing.T, d *testDaemon, id int, want state.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cur, ok := d.store.Task(id); ok && cur.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cur, _ := d.store.Task(id)
	t.Fatalf("task %d never reached %s (now %s)", id, want, cur.Status)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	d := startTestDaemon(t)

	conn, resp := connect(t, d, []byte("wrong"))
	if conn != nil {
		t.Fatalf("connection survived bad secret")
	}
	if resp.Kind != protocol.RespError || resp.Error == nil || resp.Error.ErrKind != protocol.ErrAuthFailed {
		t.Fatalf("expected auth_failed, got %+v", resp)
	}

	// A rejected client mutated nothing.
	if snap := d.store.Snapshot(); len(snap.Tasks) != 0 {
		t.Fatalf("state mutated by unauthenticated client: %+v", snap.Tasks)
	}
}

func TestAuthRequiredBeforeCommands(t *testing.T) {
	d := startTestDaemon(t)
	raw, err := net.DialTimeout("unix", d.socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	// First frame is a command, not auth.
	add := protocol.Request{Kind: protocol.KindAdd, Add: &protocol.AddRequest{Command: "true"}}
	if err := protocol.Send(raw, add); err != nil {
		t.Fatalf("send: %v", err)
	}
	var resp protocol.Response
	if err := protocol.Recv(raw, &resp); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Kind != protocol.RespError || resp.Error.ErrKind != protocol.ErrAuthFailed {
		t.Fatalf("expected auth_failed, got %+v", resp)
	}
	if snap := d.store.Snapshot(); len(snap.Tasks) != 0 {
		t.Fatalf("command executed before auth")
	}
}

func TestAddRunsAndStatusReports(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	resp := roundTrip(t, conn, protocol.Request{
		Kind: protocol.KindAdd,
		Add:  &protocol.AddRequest{Command: "true"},
	})
	if resp.Kind != protocol.RespAdded || resp.Added == nil {
		t.Fatalf("expected added response, got %+v", resp)
	}
	id := resp.Added.TaskID
	waitStatus(t, d, id, state.Done)

	status := roundTrip(t, conn, protocol.Request{Kind: protocol.KindStatus})
	if status.Kind != protocol.RespStatus || status.Status == nil {
		t.Fatalf("expected status response, got %+v", status)
	}
	if len(status.Status.Tasks) != 1 || status.Status.Tasks[0].ID != id {
		t.Fatalf("status missing task: %+v", status.Status.Tasks)
	}
	if status.Status.Tasks[0].Status != state.Done {
		t.Fatalf("expected done in status, got %s", status.Status.Tasks[0].Status)
	}
}

func TestStashedLifecycleOverProtocol(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	resp := roundTrip(t, conn, protocol.Request{
		Kind: protocol.KindAdd,
		Add:  &protocol.AddRequest{Command: "true", Stashed: true},
	})
	id := resp.Added.TaskID

	cur, _ := d.store.Task(id)
	if cur.Status != state.Stashed {
		t.Fatalf("expected stashed, got %s", cur.Status)
	}

	if resp := roundTrip(t, conn, protocol.Request{
		Kind:   protocol.KindEnqueue,
		Target: &protocol.Target{TaskIDs: []int{id}},
	}); resp.Kind != protocol.RespOK {
		t.Fatalf("enqueue failed: %+v", resp)
	}
	waitStatus(t, d, id, state.Done)
}

func TestKillOverProtocol(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	resp := roundTrip(t, conn, protocol.Request{
		Kind: protocol.KindAdd,
		Add:  &protocol.AddRequest{Command: "sleep 60"},
	})
	id := resp.Added.TaskID
	waitStatus(t, d, id, state.Running)

	if resp := roundTrip(t, conn, protocol.Request{
		Kind:   protocol.KindKill,
		Target: &protocol.Target{TaskIDs: []int{id}},
	}); resp.Kind != protocol.RespOK {
		t.Fatalf("kill failed: %+v", resp)
	}
	waitStatus(t, d, id, state.Killed)

	cur, _ := d.store.Task(id)
	if cur.Signal != "SIGTERM" {
		t.Fatalf("expected SIGTERM recorded, got %q", cur.Signal)
	}
}

func TestKillQueuedTaskRejected(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	// Pause the group so the task never starts.
	if resp := roundTrip(t, conn, protocol.Request{
		Kind:  protocol.KindGroup,
		Group: &protocol.GroupRequest{Action: protocol.GroupPause, Name: state.DefaultGroup},
	}); resp.Kind != protocol.RespOK {
		t.Fatalf("group pause failed: %+v", resp)
	}
	resp := roundTrip(t, conn, protocol.Request{
		Kind: protocol.KindAdd,
		Add:  &protocol.AddRequest{Command: "true"},
	})
	id := resp.Added.TaskID

	kill := roundTrip(t, conn, protocol.Request{
		Kind:   protocol.KindKill,
		Target: &protocol.Target{TaskIDs: []int{id}},
	})
	if kill.Kind != protocol.RespError || kill.Error.ErrKind != protocol.ErrInvalidTransition {
		t.Fatalf("expected invalid_transition, got %+v", kill)
	}
}

func TestGroupCommands(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	if resp := roundTrip(t, conn, protocol.Request{
		Kind:  protocol.KindGroup,
		Group: &protocol.GroupRequest{Action: protocol.GroupAdd, Name: "build", Slots: 2},
	}); resp.Kind != protocol.RespOK {
		t.Fatalf("group add failed: %+v", resp)
	}

	dup := roundTrip(t, conn, protocol.Request{
		Kind:  protocol.KindGroup,
		Group: &protocol.GroupRequest{Action: protocol.GroupAdd, Name: "build", Slots: 1},
	})
	if dup.Kind != protocol.RespError || dup.Error.ErrKind != protocol.ErrGroupExists {
		t.Fatalf("expected group_exists, got %+v", dup)
	}

	if resp := roundTrip(t, conn, protocol.Request{
		Kind:  protocol.KindGroup,
		Group: &protocol.GroupRequest{Action: protocol.GroupSlots, Name: "build", Slots: 5},
	}); resp.Kind != protocol.RespOK {
		t.Fatalf("group slots failed: %+v", resp)
	}
	g, _ := d.store.Group("build")
	if g.Slots != 5 {
		t.Fatalf("slots not applied: %d", g.Slots)
	}

	rmDefault := roundTrip(t, conn, protocol.Request{
		Kind:  protocol.KindGroup,
		Group: &protocol.GroupRequest{Action: protocol.GroupRemove, Name: state.DefaultGroup},
	})
	if rmDefault.Kind != protocol.RespError {
		t.Fatalf("default group removal allowed: %+v", rmDefault)
	}

	if resp := roundTrip(t, conn, protocol.Request{
		Kind:  protocol.KindGroup,
		Group: &protocol.GroupRequest{Action: protocol.GroupRemove, Name: "build"},
	}); resp.Kind != protocol.RespOK {
		t.Fatalf("group remove failed: %+v", resp)
	}
}

func TestLogStreaming(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	resp := roundTrip(t, conn, protocol.Request{
		Kind: protocol.KindAdd,
		Add:  &protocol.AddRequest{Command: "echo hello from shellq"},
	})
	id := resp.Added.TaskID
	waitStatus(t, d, id, state.Done)

	if err := protocol.Send(conn, protocol.Request{
		Kind: protocol.KindLog,
		Log:  &protocol.LogRequest{TaskID: id},
	}); err != nil {
		t.Fatalf("send log request: %v", err)
	}

	var collected []byte
	for {
		var chunk protocol.Response
		if err := protocol.Recv(conn, &chunk); err != nil {
			t.Fatalf("recv chunk: %v", err)
		}
		if chunk.Kind == protocol.RespLogEnd {
			break
		}
		if chunk.Kind != protocol.RespLogChunk || chunk.Log == nil {
			t.Fatalf("unexpected frame in stream: %+v", chunk)
		}
		collected = append(collected, chunk.Log.Data...)
	}
	if string(collected) != "hello from shellq\n" {
		t.Fatalf("unexpected log content: %q", collected)
	}

	// The session survives a completed stream.
	status := roundTrip(t, conn, protocol.Request{Kind: protocol.KindStatus})
	if status.Kind != protocol.RespStatus {
		t.Fatalf("session broken after stream: %+v", status)
	}
}

func TestLogStreamFollowsRunningTask(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	resp := roundTrip(t, conn, protocol.Request{
		Kind: protocol.KindAdd,
		Add:  &protocol.AddRequest{Command: "printf begin; sleep 1; printf end"},
	})
	id := resp.Added.TaskID
	waitStatus(t, d, id, state.Running)

	// Stream only once the first write landed, so the capture file exists.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if b, err := os.ReadFile(d.procs.LogPath(id)); err == nil && len(b) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task output never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := protocol.Send(conn, protocol.Request{
		Kind: protocol.KindLog,
		Log:  &protocol.LogRequest{TaskID: id},
	}); err != nil {
		t.Fatalf("send log request: %v", err)
	}

	var collected []byte
	for {
		var chunk protocol.Response
		if err := protocol.Recv(conn, &chunk); err != nil {
			t.Fatalf("recv chunk: %v", err)
		}
		if chunk.Kind == protocol.RespLogEnd {
			break
		}
		if chunk.Kind != protocol.RespLogChunk || chunk.Log == nil {
			t.Fatalf("unexpected frame in stream: %+v", chunk)
		}
		collected = append(collected, chunk.Log.Data...)
	}
	if string(collected) != "beginend" {
		t.Fatalf("stream ended before the task finished: %q", collected)
	}

	// The end marker only arrives once the task released its process.
	cur, _ := d.store.Task(id)
	if cur.Status != state.Done {
		t.Fatalf("stream ended while task was %s", cur.Status)
	}
}

func TestLogUnknownTask(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	if err := protocol.Send(conn, protocol.Request{
		Kind: protocol.KindLog,
		Log:  &protocol.LogRequest{TaskID: 42},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var resp protocol.Response
	if err := protocol.Recv(conn, &resp); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if resp.Kind != protocol.RespError || resp.Error.ErrKind != protocol.ErrUnknownTask {
		t.Fatalf("expected unknown_task, got %+v", resp)
	}
}

func TestShutdownRequest(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	resp := roundTrip(t, conn, protocol.Request{Kind: protocol.KindShutdown})
	if resp.Kind != protocol.RespOK {
		t.Fatalf("shutdown request failed: %+v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.shutdown.Load() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("shutdown hook never invoked")
}

func TestCleanOverProtocol(t *testing.T) {
	d := startTestDaemon(t)
	conn, _ := connect(t, d, testSecret)

	resp := roundTrip(t, conn, protocol.Request{
		Kind: protocol.KindAdd,
		Add:  &protocol.AddRequest{Command: "true"},
	})
	waitStatus(t, d, resp.Added.TaskID, state.Done)

	if resp := roundTrip(t, conn, protocol.Request{Kind: protocol.KindClean}); resp.Kind != protocol.RespOK {
		t.Fatalf("clean failed: %+v", resp)
	}
	if snap := d.store.Snapshot(); len(snap.Tasks) != 0 {
		t.Fatalf("finished task survived clean: %+v", snap.Tasks)
	}
}
