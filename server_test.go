package segrind

import (
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taintlab/segrind/internal/constants"
	"github.com/taintlab/segrind/internal/hostapi"
	"github.com/taintlab/segrind/internal/iovec"
	"github.com/taintlab/segrind/internal/wire"
)

// testRig wires a Server to a pair of pipes a test can drive like an
// external driver process would, mirroring the teacher's pattern of
// exposing an in-process mock for the server's collaborators.
type testRig struct {
	server     *Server
	driverRead int // driver reads server replies here
	driverSend int // driver writes commands here

	runErr chan error
}

func newTestRig(t *testing.T, host hostapi.HostFramework) *testRig {
	t.Helper()

	cmdR, cmdW, err := os.Pipe() // driver -> server
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	replyR, replyW, err := os.Pipe() // server -> driver
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	opts := DefaultServerOptions(host)
	opts.CommandReadFD = int(cmdR.Fd())
	opts.CommandWriteFD = int(replyW.Fd())
	opts.MaxDuration = 200 * time.Millisecond

	server, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	t.Cleanup(func() {
		cmdR.Close()
		cmdW.Close()
		replyR.Close()
		replyW.Close()
	})

	return &testRig{
		server:     server,
		driverRead: int(replyR.Fd()),
		driverSend: int(cmdW.Fd()),
		runErr:     make(chan error, 1),
	}
}

func (r *testRig) start() {
	go func() { r.runErr <- r.server.Run() }()
}

func (r *testRig) expect(t *testing.T, tag constants.MessageTag) wire.Message {
	t.Helper()
	msg, err := wire.Read(r.driverRead)
	if err != nil {
		t.Fatalf("wire.Read: %v", err)
	}
	if msg.Tag != tag {
		t.Fatalf("expected tag %v, got %v", tag, msg.Tag)
	}
	return msg
}

func (r *testRig) send(t *testing.T, msg wire.Message) {
	t.Helper()
	if err := wire.Write(r.driverSend, msg); err != nil {
		t.Fatalf("wire.Write: %v", err)
	}
}

func newHostWithMain(t *testing.T) *hostapi.MockHost {
	t.Helper()
	host := hostapi.NewMockHost()
	host.AddSymbol(hostapi.Symbol{Name: "main", Addr: 0x1000, Size: 0x40})
	host.AddSymbol(hostapi.Symbol{Name: "target_fn", Addr: 0x2000, Size: 0x40})
	host.SetRegisters(0, hostapi.GuestState{Raw: make([]byte, 48)})
	return host
}

func TestServerReadyAndSetTarget(t *testing.T) {
	host := newHostWithMain(t)
	rig := newTestRig(t, host)
	rig.start()

	rig.expect(t, constants.MsgReady)

	rig.send(t, wire.Message{Tag: constants.MsgSetTarget, Payload: []byte("target_fn")})
	rig.expect(t, constants.MsgAck)
	rig.expect(t, constants.MsgOK)

	rig.send(t, wire.Message{Tag: constants.MsgExit})
	rig.expect(t, constants.MsgAck)

	select {
	case err := <-rig.runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after EXIT command")
	}
}

func TestServerSetTargetUnknownSymbolFails(t *testing.T) {
	host := newHostWithMain(t)
	rig := newTestRig(t, host)
	rig.start()

	rig.expect(t, constants.MsgReady)

	rig.send(t, wire.Message{Tag: constants.MsgSetTarget, Payload: []byte("does_not_exist")})
	rig.expect(t, constants.MsgAck)
	msg := rig.expect(t, constants.MsgFail)
	if len(msg.Payload) == 0 {
		t.Error("expected a descriptive FAIL payload")
	}

	rig.send(t, wire.Message{Tag: constants.MsgExit})
	rig.expect(t, constants.MsgAck)
	<-rig.runErr
}

func TestServerFuzzThenExecuteRunsExecutor(t *testing.T) {
	host := newHostWithMain(t)
	rig := newTestRig(t, host)

	var mu sync.Mutex
	var ranWithTarget string
	rig.server.opts.ExecutorRun = func(target hostapi.Symbol, mainAddr uintptr, iv *iovec.IOVec, execWriteFD int) {
		mu.Lock()
		ranWithTarget = target.Name
		mu.Unlock()
		_ = wire.Write(execWriteFD, wire.Message{Tag: constants.MsgOK, Payload: iovec.Encode(iv)})
		_ = unix.Close(execWriteFD)
	}

	rig.start()
	rig.expect(t, constants.MsgReady)

	rig.send(t, wire.Message{Tag: constants.MsgSetTarget, Payload: []byte("target_fn")})
	rig.expect(t, constants.MsgAck)
	rig.expect(t, constants.MsgOK)

	rig.send(t, wire.Message{Tag: constants.MsgFuzz})
	rig.expect(t, constants.MsgAck)
	rig.expect(t, constants.MsgOK)

	rig.send(t, wire.Message{Tag: constants.MsgExecute})
	rig.expect(t, constants.MsgAck)
	rig.expect(t, constants.MsgOK)

	mu.Lock()
	got := ranWithTarget
	mu.Unlock()
	if got != "target_fn" {
		t.Errorf("expected executor to run against target_fn, got %q", got)
	}

	snap := rig.server.Metrics().Snapshot()
	if snap.ExecuteSuccesses != 1 {
		t.Errorf("expected 1 recorded execute success, got %d", snap.ExecuteSuccesses)
	}

	rig.send(t, wire.Message{Tag: constants.MsgExit})
	rig.expect(t, constants.MsgAck)
	<-rig.runErr
}

func TestServerExecuteWithoutFuzzFails(t *testing.T) {
	host := newHostWithMain(t)
	rig := newTestRig(t, host)
	rig.start()
	rig.expect(t, constants.MsgReady)

	rig.send(t, wire.Message{Tag: constants.MsgSetTarget, Payload: []byte("target_fn")})
	rig.expect(t, constants.MsgAck)
	rig.expect(t, constants.MsgOK)

	rig.send(t, wire.Message{Tag: constants.MsgExecute})
	rig.expect(t, constants.MsgAck)
	rig.expect(t, constants.MsgFail)

	rig.send(t, wire.Message{Tag: constants.MsgExit})
	rig.expect(t, constants.MsgAck)
	<-rig.runErr
}

func TestServerRejectsInadmissibleMessage(t *testing.T) {
	host := newHostWithMain(t)
	rig := newTestRig(t, host)
	rig.start()
	rig.expect(t, constants.MsgReady)

	// FUZZ is not admissible before a target has been set.
	rig.send(t, wire.Message{Tag: constants.MsgFuzz})
	rig.expect(t, constants.MsgAck)
	rig.expect(t, constants.MsgFail)

	rig.send(t, wire.Message{Tag: constants.MsgExit})
	rig.expect(t, constants.MsgAck)
	<-rig.runErr
}
