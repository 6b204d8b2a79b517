package llm

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestFake_GenerateCollectsPrompts(t *testing.T) {
	f := NewFake("primera", "segunda")

	first, err := f.Generate(context.Background(), "pregunta uno", GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := f.Generate(context.Background(), "pregunta dos", GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first != "primera" || second != "segunda" {
		t.Errorf("responses out of order: %q, %q", first, second)
	}
	// The last scripted response repeats once the script runs out.
	third, _ := f.Generate(context.Background(), "pregunta tres", GenerateOptions{})
	if third != "segunda" {
		t.Errorf("expected the last response to repeat, got %q", third)
	}
	if got := f.Prompts(); len(got) != 3 {
		t.Errorf("expected 3 recorded prompts, got %d", len(got))
	}
}

func TestFake_FailPropagates(t *testing.T) {
	f := NewFake("nunca")
	f.Fail(errors.New("proveedor caído"))
	if _, err := f.Generate(context.Background(), "pregunta", GenerateOptions{}); err == nil {
		t.Fatal("expected the scripted failure")
	}
	if _, err := f.GenerateStream(context.Background(), "pregunta", GenerateOptions{}); err == nil {
		t.Fatal("expected the scripted failure on the stream path")
	}
}

func TestFake_GenerateStream_ReassemblesResponse(t *testing.T) {
	f := NewFake("una respuesta de varias palabras")
	stream, err := f.GenerateStream(context.Background(), "pregunta", GenerateOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var sb strings.Builder
	sawDone := false
	for chunk := range stream {
		if chunk.Error != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Error)
		}
		sb.WriteString(chunk.Token)
		sawDone = chunk.Done
	}
	if sb.String() != "una respuesta de varias palabras" {
		t.Errorf("reassembled %q", sb.String())
	}
	if !sawDone {
		t.Error("expected the final chunk to carry Done")
	}
}

func TestFake_GenerateStream_CancelReleasesProducer(t *testing.T) {
	f := NewFake("una respuesta larga con muchas palabras para seguir emitiendo tokens")
	before := runtime.NumGoroutine()

	// Abandon every stream after one token without draining it; the
	// producers must still terminate on their own.
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		stream, err := f.GenerateStream(ctx, "pregunta", GenerateOptions{})
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		<-stream
		cancel()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before+1 {
		time.Sleep(10 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > before+1 {
		t.Errorf("cancelled streams left goroutines behind: before=%d after=%d", before, after)
	}
}
