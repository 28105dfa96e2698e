package alert

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/signalnine/capsulewatch/internal/protocol"
)

// JSONLines writes one alert per line to an io.Writer (default os.Stdout).
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLines(w io.Writer) *JSONLines {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLines{enc: json.NewEncoder(w)}
}

func (s *JSONLines) Send(_ context.Context, a protocol.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(a)
}
