package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/ProbeCore/internal/adapter/ristretto"
	"github.com/Strob0t/ProbeCore/internal/adapter/simstage"
	"github.com/Strob0t/ProbeCore/internal/adapter/ws"
	"github.com/Strob0t/ProbeCore/internal/domain"
	"github.com/Strob0t/ProbeCore/internal/domain/stage"
	"github.com/Strob0t/ProbeCore/internal/domain/task"
	"github.com/Strob0t/ProbeCore/internal/port/device"
	"github.com/Strob0t/ProbeCore/internal/resilience"
)

// countingDevice counts status reads and can be told to fail them.
type countingDevice struct {
	device.Controller
	reads atomic.Int32
	fail  atomic.Bool
}

func (d *countingDevice) AxisStatus(ctx context.Context, axis stage.AxisID) (stage.AxisStatus, error) {
	d.reads.Add(1)
	if d.fail.Load() {
		return stage.AxisStatus{}, errors.New("serial timeout")
	}
	return d.Controller.AxisStatus(ctx, axis)
}

func newPositionEnv(t *testing.T, ttl time.Duration) (*PositionService, *countingDevice, *TaskManager) {
	t.Helper()
	dev := &countingDevice{Controller: simstage.New(simstage.DefaultConfig())}
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("ristretto.New: %v", err)
	}
	t.Cleanup(c.Close)
	tasks := NewTaskManager(10, nil)
	return NewPositionService(dev, c, resilience.NewBreaker(2, time.Hour), tasks, ttl), dev, tasks
}

func TestPositions_ReadsAllAxesAndCaches(t *testing.T) {
	svc, dev, _ := newPositionEnv(t, time.Minute)
	ctx := context.Background()

	axes, err := svc.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(axes) != stage.AxisCount {
		t.Fatalf("got %d axes, want %d", len(axes), stage.AxisCount)
	}
	for i, st := range axes {
		if st.Axis != stage.AxisID(i+1) {
			t.Fatalf("axis %d out of order: %+v", i, st)
		}
	}

	reads := dev.reads.Load()
	if _, err := svc.Positions(ctx); err != nil {
		t.Fatalf("Positions (cached): %v", err)
	}
	if dev.reads.Load() != reads {
		t.Fatal("second read within TTL hit the device")
	}
}

func TestPosition_InvalidAxis(t *testing.T) {
	svc, _, _ := newPositionEnv(t, time.Minute)
	if _, err := svc.Position(context.Background(), 13); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestPosition_BreakerOpensOnDeviceErrors(t *testing.T) {
	svc, dev, _ := newPositionEnv(t, 0)
	ctx := context.Background()
	dev.fail.Store(true)

	for range 2 {
		if _, err := svc.Position(ctx, stage.AxisX1); !errors.Is(err, domain.ErrDeviceFault) {
			t.Fatalf("err = %v, want ErrDeviceFault", err)
		}
	}
	reads := dev.reads.Load()
	_, err := svc.Position(ctx, stage.AxisX1)
	if !errors.Is(err, domain.ErrDeviceFault) {
		t.Fatalf("err = %v, want ErrDeviceFault", err)
	}
	if dev.reads.Load() != reads {
		t.Fatal("open breaker let a read through")
	}
}

func TestSetServo_RefusedWhileTaskActive(t *testing.T) {
	svc, _, tasks := newPositionEnv(t, time.Minute)
	ctx := context.Background()

	tk, _ := tasks.CreateTask(task.KindAxisMovement, moveParams)
	if err := svc.SetServo(ctx, stage.AxisZ1, false); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	_, _ = tasks.CancelTask(tk.ID, "")
	_, _ = tasks.finish(tk.ID, task.StatusCancelled, nil, "cancelled")

	if _, err := svc.Position(ctx, stage.AxisZ1); err != nil {
		t.Fatalf("Position: %v", err)
	}
	if err := svc.SetServo(ctx, stage.AxisZ1, false); err != nil {
		t.Fatalf("SetServo: %v", err)
	}
	st, _ := svc.Position(ctx, stage.AxisZ1)
	if st.ServoOn {
		t.Fatal("cached status survived a servo change")
	}
}

// slowServo holds each servo command open until release is closed.
type slowServo struct {
	device.Controller
	entered chan struct{}
	release chan struct{}
}

func (d *slowServo) SetServo(ctx context.Context, axis stage.AxisID, on bool) error {
	close(d.entered)
	<-d.release
	return d.Controller.SetServo(ctx, axis, on)
}

func TestSetServo_BlocksTaskCreationUntilDone(t *testing.T) {
	dev := &slowServo{
		Controller: simstage.New(simstage.DefaultConfig()),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	tasks := NewTaskManager(10, nil)
	svc := NewPositionService(dev, nil, nil, tasks, 0)

	servoDone := make(chan error, 1)
	go func() { servoDone <- svc.SetServo(context.Background(), stage.AxisZ1, false) }()
	<-dev.entered

	created := make(chan error, 1)
	go func() {
		_, err := tasks.CreateTask(task.KindAxisMovement, moveParams)
		created <- err
	}()

	select {
	case err := <-created:
		t.Fatalf("task created while the servo command was in flight (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(dev.release)
	if err := <-servoDone; err != nil {
		t.Fatalf("SetServo: %v", err)
	}
	if err := <-created; err != nil {
		t.Fatalf("CreateTask after servo: %v", err)
	}
}

func TestStopAxis_AllowedWhileTaskActive(t *testing.T) {
	svc, _, tasks := newPositionEnv(t, time.Minute)
	_, _ = tasks.CreateTask(task.KindAxisMovement, moveParams)
	if err := svc.StopAxis(context.Background(), stage.AxisX1); err != nil {
		t.Fatalf("StopAxis: %v", err)
	}
}

func TestStream_BroadcastsOnlyWithClients(t *testing.T) {
	svc, dev, _ := newPositionEnv(t, 0)
	hub := &stubHub{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Stream(ctx, hub, 200) }()

	time.Sleep(50 * time.Millisecond)
	if n := dev.reads.Load(); n != 0 {
		t.Fatalf("streamer read the device %d times with no clients", n)
	}

	hub.mu.Lock()
	hub.conns = 1
	hub.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for len(hub.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Stream: %v", err)
	}

	sent := hub.sent()
	if len(sent) == 0 || sent[0] != ws.EventPositionUpdate {
		t.Fatalf("events = %v", sent)
	}
	hub.mu.Lock()
	upd, ok := hub.last.(ws.PositionUpdateEvent)
	hub.mu.Unlock()
	if !ok || len(upd.Axes) != stage.AxisCount {
		t.Fatalf("payload = %#v", hub.last)
	}
}
