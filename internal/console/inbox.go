package console

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// inbox carries messages from client callbacks into the bubbletea loop
// without blocking the caller.
type inbox struct {
	mu     sync.Mutex
	items  []tea.Msg
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) put(msg tea.Msg) {
	b.mu.Lock()
	b.items = append(b.items, msg)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) take() []tea.Msg {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// batchMsg delivers everything that arrived since the last wait
type batchMsg []tea.Msg

// wait blocks until the inbox has messages
func (b *inbox) wait() tea.Cmd {
	return func() tea.Msg {
		<-b.signal
		return batchMsg(b.take())
	}
}
