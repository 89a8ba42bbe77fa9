package abft

import (
	"context"
	"time"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/p2p"
)

const (
	maxItemsPerRequest   = 32   // items the leader sends in answer to one request
	maxBufferedItems     = 1024 // out of order items a follower keeps
	requestIntervalUnits = 5    // followers ask the leader for missing items every 5 unit creation delays
)

var _ Engine = &Sequencer{}

/*
	Sequencer is a crash fault tolerant reference engine: the authority at index session % n is the leader
	and numbers the proposals it pulls from its DataProvider, the others deliver them in sequence order.
	Followers that miss items, or restart, ask the leader for everything from the next sequence number on.
	It gives the node a working agreement layer for development networks, it is not byzantine fault tolerant.
*/

type Sequencer struct{}

// NewSequencer() creates the reference engine
func NewSequencer() *Sequencer { return &Sequencer{} }

// Run() replays the backup, then orders proposals until ctx is done
func (s *Sequencer) Run(ctx context.Context, session *Session) error {
	if err := session.check(); err != nil {
		return err
	}
	r := &sequencerRun{
		session:  session,
		leader:   lib.NodeIndex(uint64(session.Id) % uint64(len(session.Authorities))),
		next:     1,
		buffered: make(map[uint64]*lib.Proposal),
		log:      session.Log,
	}
	if err := r.replay(); err != nil {
		return err
	}
	return r.loop(ctx)
}

// sequencerRun is the state of a single Run
type sequencerRun struct {
	session   *Session
	leader    lib.NodeIndex
	next      uint64          // sequence number of the next item to deliver
	delivered []*lib.Proposal // delivered[i] has sequence number i + 1
	buffered  map[uint64]*lib.Proposal
	lastHead  uint64
	log       lib.LoggerI
}

func (r *sequencerRun) isLeader() bool { return r.session.NodeIndex == r.leader }

// replay() delivers the items of earlier runs again without writing them to the backup
func (r *sequencerRun) replay() lib.ErrorI {
	records, err := readRecords(r.session.Backup.Loader)
	if err != nil {
		return err
	}
	for _, u := range records {
		switch {
		case u.Kind != unitItem:
			return ErrCorruptRecord("unexpected unit kind")
		case u.Seq < r.next:
			continue
		case u.Seq > r.next:
			return ErrCorruptRecord("gap in the sequence")
		}
		r.apply(u.Proposal)
	}
	if len(records) != 0 {
		r.log.Infof("Replayed %d items of %s from the backup", len(r.delivered), r.session.Id)
	}
	return nil
}

func (r *sequencerRun) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.session.UnitCreationDelay)
	defer ticker.Stop()
	ticks := 0
	if !r.isLeader() {
		r.request()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-r.session.Network.Receive():
			if err := r.handle(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if r.isLeader() {
				if err := r.propose(ctx); err != nil {
					return err
				}
				continue
			}
			if ticks++; ticks%requestIntervalUnits == 0 {
				r.request()
			}
		}
	}
}

// propose() numbers the local proposal if it extends past the last ordered head
func (r *sequencerRun) propose(ctx context.Context) lib.ErrorI {
	p := r.session.DataProvider.GetData(ctx)
	if p == nil || p.Head.Number <= r.lastHead {
		return nil
	}
	u := &unit{Kind: unitItem, Seq: r.next, Proposal: p}
	if err := r.deliver(u); err != nil {
		return err
	}
	if err := r.session.Network.Broadcast(u.marshal()); err != nil {
		r.log.Warnf("Broadcast of item %d failed: %s", u.Seq, err.Error())
	}
	return nil
}

func (r *sequencerRun) handle(msg p2p.SessionMessage) lib.ErrorI {
	u := new(unit)
	if err := u.unmarshal(msg.Data); err != nil {
		r.log.Warnf("ALARM: %s from node %d", err.Error(), msg.From)
		return nil
	}
	switch u.Kind {
	case unitItem:
		if msg.From != r.leader {
			r.log.Warnf("ALARM: item %d from node %d which isn't the leader of %s", u.Seq, msg.From, r.session.Id)
			return nil
		}
		if u.Seq < r.next {
			return nil
		}
		if len(r.buffered) < maxBufferedItems {
			r.buffered[u.Seq] = u.Proposal
		}
		for {
			p, ok := r.buffered[r.next]
			if !ok {
				break
			}
			delete(r.buffered, r.next)
			if err := r.deliver(&unit{Kind: unitItem, Seq: r.next, Proposal: p}); err != nil {
				return err
			}
		}
		if len(r.buffered) != 0 {
			r.request()
		}
	case unitRequest:
		if !r.isLeader() {
			return nil
		}
		for seq := u.Seq; seq < r.next && seq < u.Seq+maxItemsPerRequest; seq++ {
			item := &unit{Kind: unitItem, Seq: seq, Proposal: r.delivered[seq-1]}
			if err := r.session.Network.Send(item.marshal(), msg.From); err != nil {
				r.log.Debugf("Answer to node %d failed: %s", msg.From, err.Error())
				break
			}
		}
	}
	return nil
}

// deliver() saves the item before handing it to the finalization handler
func (r *sequencerRun) deliver(u *unit) lib.ErrorI {
	if err := writeRecord(r.session.Backup.Saver, u); err != nil {
		return err
	}
	r.apply(u.Proposal)
	return nil
}

func (r *sequencerRun) apply(p *lib.Proposal) {
	r.delivered = append(r.delivered, p)
	r.next++
	if p.Head.Number > r.lastHead {
		r.lastHead = p.Head.Number
	}
	r.session.Handler.DataFinalized(p)
}

func (r *sequencerRun) request() {
	u := &unit{Kind: unitRequest, Seq: r.next}
	if err := r.session.Network.Send(u.marshal(), r.leader); err != nil {
		r.log.Debugf("Request to the leader of %s failed: %s", r.session.Id, err.Error())
	}
}
