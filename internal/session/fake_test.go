package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakePlatform is a scriptable Platform. Zero values grant permissions and
// report the radio on.
type fakePlatform struct {
	mu sync.Mutex

	denyPermissions bool
	radioOff        bool
	scanBatches     [][]Device
	scanErr         error
	dialErr         map[string]error
	dialBlock       map[string]chan struct{} // Dial waits on the channel or ctx
	dials           []string
	links           map[string]*fakeLink

	events       chan Event
	unsubscribed bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		dialErr:   map[string]error{},
		dialBlock: map[string]chan struct{}{},
		links:     map[string]*fakeLink{},
		events:    make(chan Event),
	}
}

func (p *fakePlatform) RequestPermissions(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.denyPermissions, nil
}

func (p *fakePlatform) Enabled(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.radioOff, nil
}

func (p *fakePlatform) RequestEnable(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.radioOff = false
	return true, nil
}

func (p *fakePlatform) Scan(ctx context.Context, found func(Device)) error {
	p.mu.Lock()
	var batch []Device
	if len(p.scanBatches) > 0 {
		batch = p.scanBatches[0]
		p.scanBatches = p.scanBatches[1:]
	}
	err := p.scanErr
	p.mu.Unlock()

	for _, d := range batch {
		found(d)
	}
	return err
}

func (p *fakePlatform) Dial(ctx context.Context, d Device, cfg LinkConfig) (Link, error) {
	p.mu.Lock()
	p.dials = append(p.dials, d.Address)
	block := p.dialBlock[d.Address]
	err := p.dialErr[d.Address]
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.links[d.Address]
	if l == nil {
		l = &fakeLink{}
		p.links[d.Address] = l
	}
	l.mu.Lock()
	l.connected = true
	l.closed = false
	l.mu.Unlock()
	return l, nil
}

func (p *fakePlatform) Subscribe(context.Context) (<-chan Event, func(), error) {
	return p.events, func() {
		p.mu.Lock()
		p.unsubscribed = true
		p.mu.Unlock()
	}, nil
}

func (p *fakePlatform) link(addr string) *fakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.links[addr]
	if l == nil {
		l = &fakeLink{}
		p.links[addr] = l
	}
	return l
}

func (p *fakePlatform) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dials)
}

// fakeLink records writes. writeErrs are returned by consecutive writes
// before writes start succeeding.
type fakeLink struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	closeErr  error
	writeErrs []error
	writes    []string
	stamps    []time.Time
}

func (l *fakeLink) Write(ctx context.Context, data string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, data)
	l.stamps = append(l.stamps, time.Now())
	if len(l.writeErrs) > 0 {
		err := l.writeErrs[0]
		l.writeErrs = l.writeErrs[1:]
		return err
	}
	return nil
}

func (l *fakeLink) IsConnected(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.connected = false
	return l.closeErr
}

func (l *fakeLink) failWrites(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.writeErrs = append(l.writeErrs, err)
	}
}

func (l *fakeLink) recorded() ([]string, []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.writes...), append([]time.Time(nil), l.stamps...)
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

var errNak = errors.New("nak")
