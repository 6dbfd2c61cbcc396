package client

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdmawrite-go/fabric"
	"github.com/rocketbitz/rdmawrite-go/fabric/loopback"
)

const testNode = "10.0.0.2"

var establishedReleases = []string{"qp", "mr", "mr", "cq", "comp_channel", "pd", "id", "event_channel"}

type testFabric struct {
	net  *loopback.Network
	peer *loopback.Peer
	cfg  Config
}

func newTestFabric(t *testing.T, peerCfg loopback.PeerConfig, faults loopback.Faults) testFabric {
	t.Helper()
	network := loopback.NewNetwork()
	peer, err := network.Listen(net.JoinHostPort(testNode, DefaultService), peerCfg)
	require.NoError(t, err)
	return testFabric{
		net:  network,
		peer: peer,
		cfg: Config{
			Provider:       network.Provider(faults),
			Node:           testNode,
			ResolveTimeout: 50 * time.Millisecond,
			Timeout:        2 * time.Second,
		},
	}
}

func (f testFabric) requireClean(t *testing.T) {
	t.Helper()
	assert.True(t, f.net.Live().Zero(), "leaked resources: %+v", f.net.Live())
	assert.Empty(t, f.net.InvalidReleases())
}

func TestRunReturnsPeerSum(t *testing.T) {
	pairs := [][2]uint32{
		{3, 4},
		{0, 0},
		{1, math.MaxUint32},
		{math.MaxUint32, math.MaxUint32},
		{0x01020304, 0x10203040},
		{0x80000000, 0x80000000},
	}
	for _, pair := range pairs {
		pair := pair
		t.Run(fmt.Sprintf("%d+%d", pair[0], pair[1]), func(t *testing.T) {
			f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})

			answer, err := Run(context.Background(), f.cfg, pair[0], pair[1])
			require.NoError(t, err)
			assert.Equal(t, pair[0]+pair[1], answer)

			stats := f.peer.Stats()
			require.Len(t, stats.Operands, 1)
			assert.Equal(t, pair, stats.Operands[0], "operands must arrive in the order and value sent")
			assert.Equal(t, 1, stats.Notified)
			f.requireClean(t)
		})
	}
}

func TestRunUsesPeerFunction(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{
		Compute: func(a, b uint32) uint32 { return a*1000 + b },
	}, loopback.Faults{})

	answer, err := Run(context.Background(), f.cfg, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, uint32(7042), answer)
}

func TestDialDecodesPeerDescriptor(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	addr, rkey := f.peer.Descriptor()
	assert.Equal(t, PeerDescriptor{RemoteAddr: addr, RemoteKey: rkey}, cli.Peer())
	assert.Equal(t, StateEstablished, cli.State())
	assert.NotEmpty(t, cli.RunID())
}

func TestExchangeScenario(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)

	answer, err := cli.Exchange(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), answer)

	// The notify and answer land behind the write's notification and are
	// drained by the same wake.
	assert.Equal(t, Stats{
		CompletionEvents: 1,
		SendPosted:       2,
		ReceivePosted:    1,
		Completed:        3,
	}, cli.Stats())

	require.NoError(t, cli.Close())
	assert.Equal(t, StateClosed, cli.State())
	assert.Equal(t, establishedReleases, f.net.Releases())
	f.requireClean(t)
}

func TestExchangeNotifiesOnlyAfterWriteCompletes(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})

	_, err := Run(context.Background(), f.cfg, 5, 6)
	require.NoError(t, err)

	journal := f.net.Journal()
	find := func(op string, id WorkID) int {
		for i, entry := range journal {
			if entry.Op == op && entry.ID == uint64(id) {
				return i
			}
		}
		return -1
	}
	indexOf := func(op string) int {
		for i, entry := range journal {
			if entry.Op == op {
				return i
			}
		}
		return -1
	}

	recvPosted := find(loopback.OpPostRecv, RecvAnswer)
	writePosted := find(loopback.OpPostSend, WriteRequest)
	writePolled := find(loopback.OpPoll, WriteRequest)
	notifyPosted := find(loopback.OpPostSend, NotifySent)
	require.GreaterOrEqual(t, recvPosted, 0)
	require.GreaterOrEqual(t, writePolled, 0)
	require.GreaterOrEqual(t, notifyPosted, 0)

	assert.Less(t, recvPosted, writePosted, "receive must be posted before any send")
	assert.Less(t, writePolled, notifyPosted, "write completion must be dispatched before the notify is posted")
	assert.Less(t, indexOf(loopback.OpWriteLanded), indexOf(loopback.OpNotifyReceived))
}

func TestExchangeAnswerBeforeNotifyIsProtocolError(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{AnswerEarly: true}, loopback.Faults{})

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)

	answer, err := cli.Exchange(context.Background(), 3, 4)
	require.Error(t, err)
	assert.Zero(t, answer)
	assert.ErrorIs(t, err, ErrUnexpectedCompletion)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Equal(t, StateFailed, cli.State())
	assert.Zero(t, f.peer.Stats().Notified, "notify must not be sent after a protocol violation")

	require.NoError(t, cli.Close())
	f.requireClean(t)
}

func TestExchangeHoldsAnswerUntilNotifyCompletes(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{ReplyBeforeAck: true}, loopback.Faults{})
	logger, logs := newObservedLogger()
	f.cfg.StructuredLogger = logger

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)

	answer, err := cli.Exchange(context.Background(), 20, 22)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), answer)
	assert.True(t, hasLogEvent(logs, "answer_held"))

	var polled []uint64
	for _, entry := range f.net.Journal() {
		if entry.Op == loopback.OpPoll {
			polled = append(polled, entry.ID)
		}
	}
	assert.Equal(t, []uint64{uint64(WriteRequest), uint64(RecvAnswer), uint64(NotifySent)}, polled)

	require.NoError(t, cli.Close())
	f.requireClean(t)
}

func TestExchangeToleratesWakeAfterDrain(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{AnswerDelay: 50 * time.Millisecond}, loopback.Faults{})

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)

	answer, err := cli.Exchange(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), answer)

	// The notify completion fires a notification after the first drain has
	// already consumed it, so the second wake polls nothing. The delayed
	// answer then fires a third.
	stats := cli.Stats()
	assert.Equal(t, uint64(3), stats.CompletionEvents)
	assert.Equal(t, uint64(3), stats.Completed)

	require.NoError(t, cli.Close())
	f.requireClean(t)
}

func TestExchangeDrainsQueueAfterRearm(t *testing.T) {
	cases := []struct {
		name string
		peer loopback.PeerConfig
	}{
		{"answer after notify", loopback.PeerConfig{}},
		{"answer before notify completion", loopback.PeerConfig{ReplyBeforeAck: true}},
		{"delayed answer", loopback.PeerConfig{AnswerDelay: 10 * time.Millisecond}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFabric(t, tc.peer, loopback.Faults{})
			f.cfg.Timeout = 500 * time.Millisecond

			answer, err := Run(context.Background(), f.cfg, 3, 4)
			require.NoError(t, err)
			assert.Equal(t, uint32(7), answer)
			f.requireClean(t)
		})
	}
}

func TestExchangeOnlyOnce(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	_, err = cli.Exchange(context.Background(), 1, 2)
	require.NoError(t, err)
	_, err = cli.Exchange(context.Background(), 1, 2)
	assert.ErrorIs(t, err, ErrExchangeDone)
}

func TestExchangeCompletionErrorIsFatal(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{DenyRemoteWrite: true}, loopback.Faults{})

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)

	_, err = cli.Exchange(context.Background(), 1, 2)
	require.Error(t, err)
	var cerr CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, WriteRequest, cerr.ID)
	assert.Equal(t, fabric.StatusRemoteAccess, cerr.Status)
	assert.Equal(t, uint64(1), cli.Stats().CompletionErrors)
	assert.Zero(t, f.peer.Stats().Notified)

	require.NoError(t, cli.Close())
	f.requireClean(t)
}

func TestExchangeInjectedStatusOnNotify(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{
		CompletionStatus: map[uint64]fabric.Status{uint64(NotifySent): fabric.StatusRetryExceeded},
	})

	_, err := Run(context.Background(), f.cfg, 1, 2)
	var cerr CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, NotifySent, cerr.ID)
	assert.Equal(t, fabric.StatusRetryExceeded, cerr.Status)
	f.requireClean(t)
}

func TestExchangeUnknownCompletionID(t *testing.T) {
	x := &exchange{
		c:         &Client{},
		posted:    map[WorkID]bool{RecvAnswer: true, WriteRequest: true},
		completed: map[WorkID]bool{},
	}
	err := x.dispatch(WorkID(9), fabric.Completion{ID: 9})
	assert.ErrorIs(t, err, ErrUnexpectedCompletion)
	assert.Equal(t, KindProtocol, KindOf(err))

	err = x.dispatch(NotifySent, fabric.Completion{ID: uint64(NotifySent)})
	assert.ErrorIs(t, err, ErrUnexpectedCompletion, "completion of an unposted request")
}

func TestExchangeDuplicateCompletion(t *testing.T) {
	x := &exchange{
		c:         &Client{},
		posted:    map[WorkID]bool{RecvAnswer: true, WriteRequest: true, NotifySent: true},
		completed: map[WorkID]bool{NotifySent: true},
	}
	err := x.dispatch(NotifySent, fabric.Completion{ID: uint64(NotifySent)})
	assert.ErrorIs(t, err, ErrUnexpectedCompletion)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestExchangeTimesOutOnSilentPeer(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{Silent: true}, loopback.Faults{})
	f.cfg.Timeout = 50 * time.Millisecond

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)

	_, err = cli.Exchange(context.Background(), 1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, KindOf(err))

	require.NoError(t, cli.Close())
	f.requireClean(t)
}

func TestDialUnexpectedEventFailsWithoutFurtherRequests(t *testing.T) {
	cases := []struct {
		name     string
		faults   loopback.Faults
		stage    State
		releases []string
	}{
		{
			name:     "established while resolving address",
			faults:   loopback.Faults{AddrEvent: fabric.EventEstablished},
			stage:    StateAddressResolved,
			releases: []string{"id", "event_channel"},
		},
		{
			name:     "established while resolving route",
			faults:   loopback.Faults{RouteEvent: fabric.EventEstablished},
			stage:    StateRouteResolved,
			releases: []string{"id", "event_channel"},
		},
		{
			name:     "connect error while connecting",
			faults:   loopback.Faults{ConnectEvent: fabric.EventConnectError},
			stage:    StateEstablished,
			releases: establishedReleases,
		},
		{
			name:     "disconnected while connecting",
			faults:   loopback.Faults{ConnectEvent: fabric.EventDisconnected},
			stage:    StateEstablished,
			releases: establishedReleases,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFabric(t, loopback.PeerConfig{}, tc.faults)
			metrics := newMetricRecorder()
			f.cfg.Metrics = metrics

			cli, err := Dial(context.Background(), f.cfg)
			require.Nil(t, cli)
			require.ErrorIs(t, err, ErrUnexpectedEvent)

			var serr *StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tc.stage, serr.Stage)
			assert.Equal(t, KindProtocol, serr.Kind)

			assert.Equal(t, tc.releases, f.net.Releases())
			assert.Zero(t, f.peer.Stats().Accepted)
			assert.Empty(t, f.net.Journal(), "no work may be posted after an unexpected event")
			f.requireClean(t)

			snapshot := metrics.Snapshot()
			assert.Contains(t, snapshot.States, StateFailed.String())
			assert.Equal(t, []string{KindProtocol.String()}, snapshot.ConnectFailures)
		})
	}
}

func TestDialFailureReleasesExactlyWhatWasAcquired(t *testing.T) {
	cases := []struct {
		name     string
		peer     loopback.PeerConfig
		faults   loopback.Faults
		stage    State
		kind     ErrorKind
		target   error
		releases []string
	}{
		{
			name:     "address resolution",
			faults:   loopback.Faults{AddrEvent: fabric.EventAddrError},
			stage:    StateAddressResolved,
			kind:     KindProtocol,
			target:   ErrUnexpectedEvent,
			releases: []string{"id", "event_channel"},
		},
		{
			name:     "route resolution",
			faults:   loopback.Faults{RouteEvent: fabric.EventRouteError},
			stage:    StateRouteResolved,
			kind:     KindProtocol,
			target:   ErrUnexpectedEvent,
			releases: []string{"id", "event_channel"},
		},
		{
			name:     "queue pair creation",
			faults:   loopback.Faults{FailCreateQP: true},
			stage:    StateQPCreated,
			kind:     KindResource,
			target:   loopback.ErrInjected,
			releases: []string{"mr", "mr", "cq", "comp_channel", "pd", "id", "event_channel"},
		},
		{
			name:     "connect request",
			faults:   loopback.Faults{FailConnect: true},
			stage:    StateConnectSent,
			kind:     KindLocalIO,
			target:   loopback.ErrInjected,
			releases: establishedReleases,
		},
		{
			name:     "connect response",
			peer:     loopback.PeerConfig{Reject: true},
			stage:    StateEstablished,
			kind:     KindRejected,
			target:   ErrRejected,
			releases: establishedReleases,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFabric(t, tc.peer, tc.faults)

			_, err := Dial(context.Background(), f.cfg)
			require.ErrorIs(t, err, tc.target)
			var serr *StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tc.stage, serr.Stage)
			assert.Equal(t, tc.kind, serr.Kind)

			assert.Equal(t, tc.releases, f.net.Releases())
			f.requireClean(t)
		})
	}
}

func TestDialResourceFailuresRelease(t *testing.T) {
	cases := []struct {
		name     string
		faults   loopback.Faults
		releases []string
	}{
		{"protection domain", loopback.Faults{FailAllocPD: true}, []string{"id", "event_channel"}},
		{"completion channel", loopback.Faults{FailCompChannel: true}, []string{"pd", "id", "event_channel"}},
		{"completion queue", loopback.Faults{FailCreateCQ: true}, []string{"comp_channel", "pd", "id", "event_channel"}},
		{"memory registration", loopback.Faults{FailRegister: true}, []string{"cq", "comp_channel", "pd", "id", "event_channel"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFabric(t, loopback.PeerConfig{}, tc.faults)

			_, err := Dial(context.Background(), f.cfg)
			require.ErrorIs(t, err, loopback.ErrInjected)
			assert.Equal(t, KindResource, KindOf(err))
			assert.Equal(t, tc.releases, f.net.Releases())
			f.requireClean(t)
		})
	}
}

func TestDialRejectedIsNotTimeout(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{Reject: true}, loopback.Faults{})

	_, err := Dial(context.Background(), f.cfg)
	require.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrResolveTimeout)
	assert.Equal(t, 1, f.peer.Stats().Rejected)
	f.requireClean(t)
}

func TestDialResolveTimeout(t *testing.T) {
	cases := []struct {
		name   string
		faults loopback.Faults
		stage  State
	}{
		{"address reported timed out", loopback.Faults{StallAddr: true}, StateAddressResolved},
		{"route reported timed out", loopback.Faults{StallRoute: true}, StateRouteResolved},
		{"no event at all", loopback.Faults{Blackhole: true}, StateAddressResolved},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFabric(t, loopback.PeerConfig{}, tc.faults)
			f.cfg.ResolveTimeout = 20 * time.Millisecond

			_, err := Dial(context.Background(), f.cfg)
			require.ErrorIs(t, err, ErrResolveTimeout)
			assert.NotErrorIs(t, err, ErrRejected)
			var serr *StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tc.stage, serr.Stage)
			assert.Equal(t, KindTimeout, serr.Kind)
			f.requireClean(t)
		})
	}
}

func TestDialCallerDeadlineDuringResolution(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{Blackhole: true})
	f.cfg.ResolveTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, f.cfg)
	require.ErrorIs(t, err, ErrResolveTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateAddressResolved, serr.Stage)
	assert.Equal(t, KindTimeout, serr.Kind)
	f.requireClean(t)
}

func TestDialUnknownServer(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})
	f.cfg.Node = "10.9.9.9"

	_, err := Dial(context.Background(), f.cfg)
	require.ErrorIs(t, err, ErrUnexpectedEvent)
	assert.Contains(t, err.Error(), "ADDR_ERROR")
	f.requireClean(t)
}

func TestDialAckFailureIsLocalError(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{FailAck: true})

	_, err := Dial(context.Background(), f.cfg)
	require.ErrorIs(t, err, loopback.ErrInjected)
	assert.Equal(t, KindLocalIO, KindOf(err))
	// The event stays unacknowledged so the channel cannot be destroyed.
	assert.ErrorIs(t, err, fabric.ErrBusy)
	assert.Equal(t, 1, f.net.Live().EventChannels)
}

func TestDialRequiresProviderAndNode(t *testing.T) {
	_, err := Dial(context.Background(), Config{Node: testNode})
	assert.Error(t, err)

	_, err = Dial(context.Background(), Config{Provider: loopback.NewNetwork().Provider(loopback.Faults{})})
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})

	cli, err := Dial(context.Background(), f.cfg)
	require.NoError(t, err)

	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close())
	assert.Equal(t, establishedReleases, f.net.Releases())
	f.requireClean(t)

	_, err = cli.Exchange(context.Background(), 1, 2)
	assert.ErrorIs(t, err, ErrClosed)

	var nilClient *Client
	assert.NoError(t, nilClient.Close())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultService, cfg.Service)
	assert.Equal(t, DefaultResolveTimeout, cfg.ResolveTimeout)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultDisconnectTimeout, cfg.DisconnectTimeout)
	assert.Equal(t, 2, cfg.CQDepth)
	assert.Equal(t, 4, cfg.SendQueueDepth)
	assert.Equal(t, 1, cfg.RecvQueueDepth)
	assert.Equal(t, uint8(1), cfg.InitiatorDepth)
	assert.Equal(t, uint8(7), cfg.RetryCount)
}

func TestConcurrentClientsOnSharedNetwork(t *testing.T) {
	network := loopback.NewNetwork()
	const clients = 8
	var g errgroup.Group
	for i := 0; i < clients; i++ {
		i := i
		node := fmt.Sprintf("10.0.1.%d", i+1)
		_, err := network.Listen(net.JoinHostPort(node, DefaultService), loopback.PeerConfig{})
		require.NoError(t, err)
		g.Go(func() error {
			cfg := Config{Provider: network.Provider(loopback.Faults{}), Node: node, Timeout: 2 * time.Second}
			answer, err := Run(context.Background(), cfg, uint32(i), 100)
			if err != nil {
				return err
			}
			if answer != uint32(i)+100 {
				return fmt.Errorf("client %d: got %d", i, answer)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.True(t, network.Live().Zero())
}

func TestStructuredLoggingTracingAndMetrics(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})
	logger, logs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	metrics := newMetricRecorder()
	f.cfg.Logger = logger
	f.cfg.Tracer = NewOTelTracer(tp.Tracer("client-structured-test"))
	f.cfg.Metrics = metrics

	answer, err := Run(context.Background(), f.cfg, 3, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(7), answer)
	_ = logger.Sync()

	for _, event := range []string{"state", "cm_event", "post", "loop_start", "completion", "loop_stop", "teardown"} {
		assert.True(t, hasLogEvent(logs, event), "missing %s log", event)
	}
	assert.False(t, hasLogEvent(logs, "completion_error"))

	assert.True(t, spanHasEvent(recorder, spanConnect, StateEstablished.String()))
	assert.True(t, spanHasEvent(recorder, spanExchange, "completion"))
	assert.True(t, spanHasEvent(recorder, spanExchange, "loop_stop"))
	assert.True(t, spanHasEvent(recorder, spanTeardown, "destroy_event_channel"))

	snapshot := metrics.Snapshot()
	assert.Equal(t, []string{
		StateAddressResolved.String(),
		StateRouteResolved.String(),
		StateQPCreated.String(),
		StateConnectSent.String(),
		StateEstablished.String(),
		StateClosed.String(),
	}, snapshot.States)
	assert.Equal(t, 1, snapshot.LoopStarted)
	assert.Equal(t, 1, snapshot.LoopStopped)
	assert.Equal(t, 3, snapshot.Completions)
	assert.Zero(t, snapshot.CompletionFailures)
	assert.Equal(t, []string{"ok"}, snapshot.Teardowns)
}

func TestPlainLoggerReceivesEvents(t *testing.T) {
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})
	logger := &lineLogger{}
	f.cfg.Logger = logger

	_, err := Run(context.Background(), f.cfg, 1, 1)
	require.NoError(t, err)
	assert.Contains(t, logger.Lines(), "rdma-write client state state=ESTABLISHED previous=CONNECT_SENT")
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func spanHasEvent(recorder *tracetest.SpanRecorder, span, event string) bool {
	for _, s := range recorder.Ended() {
		if s.Name() != span {
			continue
		}
		for _, evt := range s.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Debugf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *lineLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

type metricRecorder struct {
	mu                 sync.Mutex
	states             []string
	connectFailures    []string
	loopStarted        int
	loopStopped        int
	completions        int
	completionFailures int
	teardowns          []string
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) StateChanged(attrs map[string]string) {
	m.mu.Lock()
	m.states = append(m.states, attrs[labelState])
	m.mu.Unlock()
}

func (m *metricRecorder) ConnectFailed(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	m.connectFailures = append(m.connectFailures, kind)
	m.mu.Unlock()
}

func (m *metricRecorder) LoopStarted(_ map[string]string) {
	m.mu.Lock()
	m.loopStarted++
	m.mu.Unlock()
}

func (m *metricRecorder) LoopStopped(_ map[string]string) {
	m.mu.Lock()
	m.loopStopped++
	m.mu.Unlock()
}

func (m *metricRecorder) CompletionSucceeded(_ map[string]string) {
	m.mu.Lock()
	m.completions++
	m.mu.Unlock()
}

func (m *metricRecorder) CompletionFailed(_ error, _ map[string]string) {
	m.mu.Lock()
	m.completionFailures++
	m.mu.Unlock()
}

func (m *metricRecorder) TeardownCompleted(attrs map[string]string) {
	m.mu.Lock()
	m.teardowns = append(m.teardowns, attrs[labelStatus])
	m.mu.Unlock()
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		States:             append([]string(nil), m.states...),
		ConnectFailures:    append([]string(nil), m.connectFailures...),
		LoopStarted:        m.loopStarted,
		LoopStopped:        m.loopStopped,
		Completions:        m.completions,
		CompletionFailures: m.completionFailures,
		Teardowns:          append([]string(nil), m.teardowns...),
	}
}

type metricSnapshot struct {
	States             []string
	ConnectFailures    []string
	LoopStarted        int
	LoopStopped        int
	Completions        int
	CompletionFailures int
	Teardowns          []string
}
