package ingest

import (
	"bytes"
	"io"
	"sync"

	flvtag "github.com/yutopp/go-flv/tag"
)

// broadcaster fans the single publisher's FLV tags out to every local
// reader (one per spawned relay child connecting over the loopback URL).
// Adapted from the Pubsub/Pub/Sub split in xaionaro-go-streamctl's
// streamserver package, collapsed to a single always-one-stream broadcaster
// since this ingest never hosts more than one named stream.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]*subscription

	nextID int

	avcSeqHeader *flvtag.FlvTag
	aacSeqHeader *flvtag.FlvTag
	lastKeyFrame *flvtag.FlvTag
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscription)}
}

type subscription struct {
	id            int
	initialized   bool
	lastTimestamp uint32
	ch            chan *flvtag.FlvTag
}

// subscribe registers a reader and returns its subscription, whose channel
// receives the tags; tags are dropped (not blocked on) if the reader falls
// behind.
func (b *broadcaster) subscribe() *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{id: b.nextID, ch: make(chan *flvtag.FlvTag, 256)}
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *broadcaster) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.avcSeqHeader = nil
	b.aacSeqHeader = nil
	b.lastKeyFrame = nil
}

// publish fans tag out to every current subscriber, priming late joiners
// with the last sequence headers and key frame so a child that attaches
// mid-stream still decodes.
func (b *broadcaster) publish(tag *flvtag.FlvTag) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch data := tag.Data.(type) {
	case *flvtag.AudioData:
		if data.AACPacketType == flvtag.AACPacketTypeSequenceHeader {
			b.aacSeqHeader = tag
		}
		b.deliverLocked(tag)
	case *flvtag.VideoData:
		if data.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader {
			b.avcSeqHeader = tag
		}
		if data.FrameType == flvtag.FrameTypeKeyFrame {
			b.lastKeyFrame = tag
		}
		b.deliverLocked(tag)
	case *flvtag.ScriptData:
		b.deliverLocked(tag)
	}
}

func (b *broadcaster) deliverLocked(tag *flvtag.FlvTag) {
	for _, sub := range b.subs {
		if !sub.initialized {
			if b.avcSeqHeader != nil {
				sub.send(cloneTag(b.avcSeqHeader))
			}
			if b.aacSeqHeader != nil {
				sub.send(cloneTag(b.aacSeqHeader))
			}
			if b.lastKeyFrame != nil {
				sub.send(cloneTag(b.lastKeyFrame))
			}
			sub.initialized = true
		}
		sub.send(cloneTag(tag))
	}
}

func (s *subscription) send(tag *flvtag.FlvTag) {
	if tag.Timestamp != 0 && s.lastTimestamp == 0 {
		s.lastTimestamp = tag.Timestamp
	}
	tag.Timestamp -= s.lastTimestamp
	select {
	case s.ch <- tag:
	default:
	}
}

// cloneTag deep-copies a tag's payload so each subscriber reads an
// independent buffer and the original (which may be cached as a sequence
// header or key frame for late joiners) keeps its payload.
func cloneTag(tag *flvtag.FlvTag) *flvtag.FlvTag {
	clone := *tag
	switch data := tag.Data.(type) {
	case *flvtag.AudioData:
		cloned := *data
		cloned.Data = copyReader(cloned.Data)
		clone.Data = &cloned
	case *flvtag.VideoData:
		cloned := *data
		cloned.Data = copyReader(cloned.Data)
		clone.Data = &cloned
	case *flvtag.ScriptData:
		cloned := *data
		clone.Data = &cloned
	}
	return &clone
}

func copyReader(r io.Reader) *bytes.Buffer {
	if src, ok := r.(*bytes.Buffer); ok {
		return bytes.NewBuffer(append([]byte(nil), src.Bytes()...))
	}
	buf := new(bytes.Buffer)
	if r != nil {
		_, _ = io.Copy(buf, r)
	}
	return buf
}
