//go:build linux

// Package nfq reads inbound TCP segments from a netfilter queue.
package nfq

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/tevino/abool"
	"golang.org/x/sys/unix"

	"github.com/safing/portguard/base/log"
	"github.com/safing/portguard/service/network/packet"
)

// Queue is a netfilter queue that accepts every packet right away and
// delivers the parsed segments.
type Queue struct {
	id   uint16
	name string

	nf                   atomic.Value
	segments             chan packet.Segment
	cancelSocketCallback context.CancelFunc
	restart              chan struct{}
	destroyed            *abool.AtomicBool

	dropped   atomic.Uint64
	malformed atomic.Uint64
}

var _ packet.Source = &Queue{}

func (q *Queue) getNfq() *nfqueue.Nfqueue {
	nf, _ := q.nf.Load().(*nfqueue.Nfqueue)
	return nf
}

// New opens the netfilter queue with the given number.
func New(qid uint16, name string) (*Queue, error) {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		id:                   qid,
		name:                 name,
		segments:             make(chan packet.Segment, 4096),
		cancelSocketCallback: cancel,
		restart:              make(chan struct{}, 1),
		destroyed:            abool.New(),
	}

	// A queue that cannot be opened at all will not get better by retrying.
	if err := q.open(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open nfqueue %d: %w", qid, err)
	}

	go func() {
	Wait:
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.restart:
				runtime.Gosched()
			}

			for {
				err := q.open(ctx)
				if err == nil {
					continue Wait
				}

				log.Errorf("nfqueue: failed to reopen queue %d: %s", q.id, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
		}
	}()

	return q, nil
}

func (q *Queue) open(ctx context.Context) error {
	cfg := &nfqueue.Config{
		NfQueue: q.id,
		// The IPv4 and TCP headers are all that is needed.
		MaxPacketLen: 128,
		MaxQueueLen:  0xffff,
		AfFamily:     unix.AF_INET,
		Copymode:     nfqueue.NfQnlCopyPacket,
		Flags:        nfqueue.NfQaCfgFlagFailOpen,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}

	nf, err := nfqueue.Open(cfg)
	if err != nil {
		return err
	}

	if err := nf.RegisterWithErrorFunc(ctx, q.packetHandler(), q.handleError); err != nil {
		_ = nf.Close()
		return err
	}

	q.nf.Store(nf)
	return nil
}

func (q *Queue) handleError(e error) int {
	if opError, ok := e.(interface { //nolint:errorlint
		Timeout() bool
		Temporary() bool
	}); ok {
		if opError.Timeout() || opError.Temporary() {
			return 0
		}
	}

	if q.destroyed.IsSet() {
		return 1
	}
	if !strings.HasSuffix(e.Error(), "use of closed file") {
		log.Errorf("nfqueue: error while receiving packets on queue %d: %s", q.id, e)
	}

	// Close the socket directly, nf.Close() would wait for this callback.
	if nf := q.getNfq(); nf != nil {
		_ = nf.Con.Close()
	}

	select {
	case q.restart <- struct{}{}:
	default:
	}
	return 1
}

func (q *Queue) packetHandler() func(nfqueue.Attribute) int {
	return func(attrs nfqueue.Attribute) int {
		if attrs.PacketID == nil {
			return 0
		}

		// Segments are only observed, never held back.
		if err := q.getNfq().SetVerdict(*attrs.PacketID, nfqueue.NfAccept); err != nil {
			log.Warningf("nfqueue: failed to accept packet #%d: %s", *attrs.PacketID, err)
		}

		if attrs.Payload == nil {
			q.malformed.Add(1)
			return 0
		}
		seenAt := time.Now()
		if attrs.Timestamp != nil {
			seenAt = *attrs.Timestamp
		}

		segment, err := packet.ParseSegment(*attrs.Payload, seenAt)
		if err != nil {
			q.malformed.Add(1)
			log.Tracef("nfqueue: failed to parse packet #%d: %s", *attrs.PacketID, err)
			return 0
		}

		select {
		case q.segments <- segment:
		default:
			q.dropped.Add(1)
		}
		return 0
	}
}

// Name returns the name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// Segments returns the channel of parsed segments.
func (q *Queue) Segments() <-chan packet.Segment {
	return q.segments
}

// Dropped returns how many segments were dropped because the channel was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Malformed returns how many packets could not be parsed.
func (q *Queue) Malformed() uint64 {
	return q.malformed.Load()
}

// Destroy closes the queue. Any error encountered is logged.
func (q *Queue) Destroy() {
	if q == nil || !q.destroyed.SetToIf(false, true) {
		return
	}

	q.cancelSocketCallback()

	if nf := q.getNfq(); nf != nil {
		if err := nf.Close(); err != nil {
			log.Errorf("nfqueue: failed to close queue %d: %s", q.id, err)
		}
	}
}
