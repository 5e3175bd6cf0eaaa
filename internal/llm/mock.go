package llm

import (
	"context"
	"io"
	"sync"
	"time"
)

// MockResponse describe el resultado de una llamada a Complete del mock:
// o un error a nivel de llamada, o una secuencia de fragments a reproducir.
type MockResponse struct {
	Err       error
	Fragments []Fragment
	// Delay se espera antes de entregar cada fragment; util para probar
	// cancelacion a mitad del stream.
	Delay time.Duration
}

// MockClient permite tests sin llamar a un proveedor real. Cada llamada a
// Complete consume la siguiente respuesta programada y queda registrada.
type MockClient struct {
	mu        sync.Mutex
	Responses []MockResponse
	Calls     []CompletionRequest

	ImageResult ImageResult
	ImageErr    error
	ImageCalls  []ImageRequest
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (CompletionStream, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	var resp MockResponse
	if len(m.Responses) > 0 {
		resp = m.Responses[0]
		m.Responses = m.Responses[1:]
	}
	m.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	return &mockStream{ctx: ctx, fragments: resp.Fragments, delay: resp.Delay}, nil
}

func (m *MockClient) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	m.mu.Lock()
	m.ImageCalls = append(m.ImageCalls, req)
	m.mu.Unlock()
	return m.ImageResult, m.ImageErr
}

// CallCount devuelve cuantas veces se llamo Complete.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

type mockStream struct {
	ctx       context.Context
	fragments []Fragment
	delay     time.Duration
	pos       int
}

func (s *mockStream) Recv() (Fragment, error) {
	if s.delay > 0 {
		select {
		case <-s.ctx.Done():
			return Fragment{}, s.ctx.Err()
		case <-time.After(s.delay):
		}
	} else if err := s.ctx.Err(); err != nil {
		return Fragment{}, err
	}

	if s.pos >= len(s.fragments) {
		return Fragment{}, io.EOF
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *mockStream) Close() {}
