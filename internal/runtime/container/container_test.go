package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
)

func TestTaskLabels(t *testing.T) {
	labels := TaskLabels("myproj", "a1b2c3d4e5f6")
	if labels[LabelManaged] != "true" {
		t.Errorf("managed label = %q", labels[LabelManaged])
	}
	if labels[LabelTask] != "a1b2c3d4e5f6" || labels[LabelProject] != "myproj" {
		t.Errorf("labels = %v", labels)
	}
	if _, ok := labels[LabelPart]; ok {
		t.Error("task labels should not carry a part label")
	}

	part := PartLabels("myproj", "a1b2c3d4e5f6", 2)
	if part[LabelPart] != "2" {
		t.Errorf("part label = %q", part[LabelPart])
	}
}

func TestMockCreateExecDestroy(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime()

	id, err := m.Create(ctx, Spec{Name: "task-abc", Image: "dev:latest", Labels: TaskLabels("p", "abc")})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	m.QueueExecResult(&ExecResult{ExitCode: 1, Stderr: "tests failed"})
	res, err := m.Exec(ctx, id, []string{"go", "test", "./..."})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.ExitCode != 1 || res.Stderr != "tests failed" {
		t.Errorf("Exec result = %+v", res)
	}

	calls := m.ExecCalls()
	if len(calls) != 1 || calls[0].Cmd[0] != "go" {
		t.Errorf("ExecCalls = %v", calls)
	}

	if err := m.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := m.Destroy(ctx, id); !errors.Is(err, ErrContainerNotFound) {
		t.Errorf("second Destroy = %v, want ErrContainerNotFound", err)
	}
	if _, err := m.Exec(ctx, id, []string{"true"}); !errors.Is(err, ErrContainerNotFound) {
		t.Errorf("Exec after destroy = %v, want ErrContainerNotFound", err)
	}
}

func TestMockListByLabel(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime()

	a, _ := m.Create(ctx, Spec{Name: "a", Labels: TaskLabels("p", "task1")})
	m.Create(ctx, Spec{Name: "b", Labels: TaskLabels("p", "task2")})
	m.Create(ctx, Spec{Name: "c", Labels: map[string]string{"other": "x"}})

	managed, err := m.ListByLabel(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		t.Fatalf("ListByLabel failed: %v", err)
	}
	if len(managed) != 2 {
		t.Errorf("managed = %d containers, want 2", len(managed))
	}

	one, _ := m.ListByLabel(ctx, map[string]string{LabelTask: "task1"})
	if len(one) != 1 || one[0].ID != a {
		t.Errorf("ListByLabel task1 = %v", one)
	}
}

func TestMockInjectedFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMockRuntime()

	m.FailPingWith(ErrUnavailable)
	if err := m.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping = %v", err)
	}

	m.FailCreateWith(errors.New("no such image"))
	if _, err := m.Create(ctx, Spec{Name: "x"}); err == nil {
		t.Error("expected injected create failure")
	}
}

func TestDemultiplexStream(t *testing.T) {
	frame := func(stream byte, data string) []byte {
		buf := make([]byte, 8+len(data))
		buf[0] = stream
		binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
		copy(buf[8:], data)
		return buf
	}

	var in bytes.Buffer
	in.Write(frame(1, "out line\n"))
	in.Write(frame(2, "err line\n"))
	in.Write(frame(1, "more out"))

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(&in, &stdout, &stderr); err != nil {
		t.Fatalf("demultiplexStream failed: %v", err)
	}
	if stdout.String() != "out line\nmore out" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "err line\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}
