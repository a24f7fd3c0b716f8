package transport

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/drblury/msgbridge/internal/runtime/errors"
	"github.com/drblury/msgbridge/internal/runtime/message"
)

// Clients is an explicit, injectable set of named clients. It is safe for
// concurrent use.
type Clients struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewClients creates a set holding the given clients.
func NewClients(clients ...Client) *Clients {
	set := &Clients{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		set.Add(c)
	}
	return set
}

// Add stores c under c.Name(), replacing any client with the same name.
func (s *Clients) Add(c Client) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.Name()] = c
}

// Get returns the client registered under name.
func (s *Clients) Get(name string) (Client, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	return c, ok
}

// Names returns the sorted client names.
func (s *Clients) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every client and empties the set.
func (s *Clients) Close() error {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]Client)
	s.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Reply sends response to the reply address of original. It is a no-op when
// original carries no reply address. The correlation id of original is copied
// onto the response.
func Reply(ctx context.Context, clients *Clients, original, response message.Message) error {
	const op = "transport.reply"
	reply, ok := original.Reply()
	if !ok {
		return nil
	}
	if reply.Topic == "" {
		return errors.Wrap(errors.BadRequest, op, errors.ErrTopicRequired)
	}

	client, ok := clients.Get(reply.ClientName)
	if !ok {
		return errors.New(errors.NotFound, op, "no client named "+reply.ClientName)
	}

	response = response.ClearReply().RemoveMetadata(message.KeyReplyTo)
	if corr, ok := original.Get(message.KeyCorrelationID); ok {
		response = response.AddMetadata(message.KeyCorrelationID, corr)
	}
	return client.Send(ctx, reply.Topic, response)
}

// Merge fans several streams into one. Messages from any single input keep
// their order. The output closes once every input is closed or ctx is done.
func Merge(ctx context.Context, inputs ...<-chan message.Message) <-chan message.Message {
	out := make(chan message.Message)
	var wg sync.WaitGroup
	wg.Add(len(inputs))
	for _, in := range inputs {
		go func(in <-chan message.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(in)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
