package tools

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/whalelabs/whale/internal/bus"
)

// ErrNoAnswer is returned when the transport never resolves a question
// before the context is cancelled.
var ErrNoAnswer = errors.New("question not answered")

// Asker resolves a question against the user. Both the write-permission
// gate and the ask_user tool suspend on it.
type Asker interface {
	Ask(ctx context.Context, prompt string, options []string) (string, error)
}

// BusAsker emits a question event on the bus and blocks until a transport
// calls the payload's Reply function (or the context ends).
type BusAsker struct {
	Events bus.Publisher
}

func (a *BusAsker) Ask(ctx context.Context, prompt string, options []string) (string, error) {
	answerCh := make(chan string, 1)
	var once sync.Once

	err := a.Events.Emit(bus.Event{
		Type: bus.TypeQuestion,
		Payload: bus.QuestionPayload{
			ID:      uuid.NewString(),
			Prompt:  prompt,
			Options: options,
			Reply: func(answer string) {
				once.Do(func() { answerCh <- answer })
			},
		},
	})
	if err != nil {
		return "", err
	}

	select {
	case answer := <-answerCh:
		return answer, nil
	case <-ctx.Done():
		return "", ErrNoAnswer
	}
}

// StaticAsker answers every question with a fixed value. Used in yolo-mode
// transports and tests.
type StaticAsker struct {
	Answer string
}

func (a *StaticAsker) Ask(context.Context, string, []string) (string, error) {
	return a.Answer, nil
}
