package sbb_test

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veldt/denbot/sbb"
)

// fakeConsole is an in-process console bridge speaking the wire protocol
// against a sparse memory map.
type fakeConsole struct {
	ln net.Listener

	mu       sync.Mutex
	mem      map[uint64]byte
	heapBase uint64
	mainBase uint64
	mute     bool // swallow commands without answering
}

func newFakeConsole(t *testing.T) *fakeConsole {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fc := &fakeConsole{
		ln:       ln,
		mem:      make(map[uint64]byte),
		heapBase: 0x4000000000,
		mainBase: 0x8004000,
	}
	go fc.serve()
	t.Cleanup(func() { ln.Close() })
	return fc
}

func (fc *fakeConsole) addr() string { return fc.ln.Addr().String() }

func (fc *fakeConsole) setMem(addr uint64, data []byte) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for i, b := range data {
		fc.mem[addr+uint64(i)] = b
	}
}

func (fc *fakeConsole) serve() {
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		go fc.handle(conn)
	}
}

func (fc *fakeConsole) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		fc.mu.Lock()
		mute := fc.mute
		fc.mu.Unlock()
		if mute {
			continue
		}
		reply := fc.dispatch(strings.TrimRight(line, "\r\n"))
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
	}
}

func (fc *fakeConsole) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "err"
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	switch fields[0] {
	case "peek":
		addr, _ := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		n, _ := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 32)
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = fc.mem[addr+uint64(i)]
		}
		return hex.EncodeToString(buf)
	case "poke":
		addr, _ := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		data, err := hex.DecodeString(strings.TrimPrefix(fields[2], "0x"))
		if err != nil {
			return "err"
		}
		for i, b := range data {
			fc.mem[addr+uint64(i)] = b
		}
		return "ok"
	case "getHeapBase":
		return fmt.Sprintf("%X", fc.heapBase)
	case "getMainBase":
		return fmt.Sprintf("%X", fc.mainBase)
	case "click", "press", "release", "setStick":
		return "ok"
	default:
		return "err"
	}
}

func newClient(t *testing.T, fc *fakeConsole) *sbb.Client {
	t.Helper()
	c := sbb.New(sbb.Options{Addr: fc.addr(), CallTimeout: 2 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPeekPokeRoundTrip(t *testing.T) {
	fc := newFakeConsole(t)
	c := newClient(t, fc)
	ctx := context.Background()

	want := []byte{0x89, 0x67, 0x45, 0x23, 0x01, 0xEF, 0xCD, 0xAB}
	if err := c.Poke(ctx, 0x4000001000, want); err != nil {
		t.Fatal(err)
	}

	got, err := c.Peek(ctx, 0x4000001000, len(want))
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(got) != hex.EncodeToString(want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestPeekUint64_LittleEndian(t *testing.T) {
	fc := newFakeConsole(t)
	fc.setMem(0x4000002000, []byte{0x89, 0x67, 0x45, 0x23, 0x01, 0xEF, 0xCD, 0xAB})
	c := newClient(t, fc)

	v, err := c.PeekUint64(context.Background(), 0x4000002000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xABCDEF0123456789 {
		t.Fatalf("got %#x, want 0xABCDEF0123456789", v)
	}
}

func TestBaseQueries(t *testing.T) {
	fc := newFakeConsole(t)
	c := newClient(t, fc)
	ctx := context.Background()

	heap, err := c.HeapBase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if heap != 0x4000000000 {
		t.Fatalf("heap base %#x", heap)
	}
	main, err := c.MainBase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if main != 0x8004000 {
		t.Fatalf("main base %#x", main)
	}
}

func TestNotConnected(t *testing.T) {
	c := sbb.New(sbb.Options{Addr: "127.0.0.1:1"})
	_, err := c.Peek(context.Background(), 0x1000, 8)
	var te *sbb.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want TransportError, got %v", err)
	}
	var nc *sbb.ErrNotConnected
	if !errors.As(err, &nc) {
		t.Fatalf("want ErrNotConnected cause, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	fc := newFakeConsole(t)
	fc.mu.Lock()
	fc.mute = true
	fc.mu.Unlock()

	c := sbb.New(sbb.Options{Addr: fc.addr(), CallTimeout: 50 * time.Millisecond})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err := c.Peek(context.Background(), 0x1000, 8)
	var te *sbb.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want TransportError on timeout, got %v", err)
	}
	// A poisoned connection requires an explicit reconnect.
	if c.Connected() {
		t.Fatal("connection should be dropped after timeout")
	}
}

func TestCancellationInterruptsRead(t *testing.T) {
	fc := newFakeConsole(t)
	fc.mu.Lock()
	fc.mute = true
	fc.mu.Unlock()

	c := sbb.New(sbb.Options{Addr: fc.addr(), CallTimeout: 10 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Peek(ctx, 0x1000, 8)
	if err == nil {
		t.Fatal("want error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation took %v, should be prompt", elapsed)
	}
}

func TestConnectBreakerOpensAfterFailures(t *testing.T) {
	dialErr := errors.New("console unreachable")
	c := sbb.New(sbb.Options{
		Addr:    "10.0.0.99:6000",
		Breaker: sbb.NewBreaker(sbb.WithBreakerThreshold(2)),
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return nil, dialErr
		},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := c.Connect(ctx)
		var te *sbb.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("attempt %d: want TransportError, got %v", i, err)
		}
	}

	// Third attempt: breaker is open, dial not even tried.
	err := c.Connect(ctx)
	var bo *sbb.ErrBreakerOpen
	if !errors.As(err, &bo) {
		t.Fatalf("want ErrBreakerOpen, got %v", err)
	}
}

func TestInputCommands(t *testing.T) {
	fc := newFakeConsole(t)
	c := newClient(t, fc)
	ctx := context.Background()

	if err := c.Click(ctx, sbb.ButtonA); err != nil {
		t.Fatal(err)
	}
	if err := c.Press(ctx, sbb.ButtonB, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := c.SetStick(ctx, sbb.StickLeft, 32767, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.CenterStick(ctx, sbb.StickLeft); err != nil {
		t.Fatal(err)
	}
	if got := c.Stats().Inputs; got != 4 {
		t.Fatalf("inputs counter = %d, want 4", got)
	}
}
