package ingest

import (
	"bytes"
	"context"
	"io"

	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// handler implements rtmp.Handler for a single connection. It either
// becomes the one allowed publisher or a reader subscribed to the
// broadcaster, mirroring the Handler/Pub/Sub split in
// xaionaro-go-streamctl's yutopp-go-rtmp streamserver, simplified to a
// single well-known stream path rather than a named-stream registry.
type handler struct {
	rtmp.DefaultHandler

	ingest *Ingest
	conn   *rtmp.Conn

	publishing   bool
	sub          *subscription
	subDone      chan struct{}
	playStreamID uint32
}

func newHandler(i *Ingest) *handler {
	return &handler{ingest: i}
}

func (h *handler) OnServe(conn *rtmp.Conn) {
	h.conn = conn
	h.ingest.onPreConnect("rtmp client")
}

func (h *handler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	return nil
}

func (h *handler) OnCreateStream(timestamp uint32, cmd *rtmpmsg.NetConnectionCreateStream) error {
	return nil
}

func (h *handler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	path := "/" + h.ingest.cfg.AppName + "/" + cmd.PublishingName
	if err := h.ingest.onPrePublish(path); err != nil {
		return err
	}
	h.ingest.broadcast.reset()
	h.publishing = true
	h.ingest.onPostPublish(path)
	return nil
}

// Conventional chunk stream ids for audio/video, kept separate so the two
// media types interleave over independent RTMP chunk streams the way a
// typical encoder's output does.
const (
	audioChunkStreamID = 6
	videoChunkStreamID = 7
)

func (h *handler) OnPlay(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPlay) error {
	sub := h.ingest.broadcast.subscribe()
	h.sub = sub
	h.subDone = make(chan struct{})
	h.playStreamID = ctx.StreamID

	go func() {
		defer close(h.subDone)
		for tag := range sub.ch {
			if err := h.writeTag(tag); err != nil {
				return
			}
		}
	}()
	return nil
}

func (h *handler) writeTag(tag *flvtag.FlvTag) error {
	switch data := tag.Data.(type) {
	case *flvtag.AudioData:
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, data.Data); err != nil {
			return err
		}
		return h.conn.Write(context.Background(), audioChunkStreamID, tag.Timestamp, &rtmp.ChunkMessage{
			StreamID: h.playStreamID,
			Message:  &rtmpmsg.AudioMessage{Payload: buf},
		})
	case *flvtag.VideoData:
		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, data.Data); err != nil {
			return err
		}
		return h.conn.Write(context.Background(), videoChunkStreamID, tag.Timestamp, &rtmp.ChunkMessage{
			StreamID: h.playStreamID,
			Message:  &rtmpmsg.VideoMessage{Payload: buf},
		})
	default:
		return nil
	}
}

func (h *handler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	if !h.publishing {
		return nil
	}
	r := bytes.NewReader(data.Payload)
	var script flvtag.ScriptData
	if err := flvtag.DecodeScriptData(r, &script); err != nil {
		return nil
	}
	h.ingest.broadcast.publish(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeScriptData,
		Timestamp: timestamp,
		Data:      &script,
	})
	return nil
}

func (h *handler) OnAudio(timestamp uint32, payload io.Reader) error {
	if !h.publishing {
		return nil
	}
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(payload, &audio); err != nil {
		return err
	}
	audio.Data = copyReader(audio.Data)
	h.ingest.broadcast.publish(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: timestamp,
		Data:      &audio,
	})
	return nil
}

func (h *handler) OnVideo(timestamp uint32, payload io.Reader) error {
	if !h.publishing {
		return nil
	}
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(payload, &video); err != nil {
		return err
	}
	video.Data = copyReader(video.Data)
	h.ingest.broadcast.publish(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: timestamp,
		Data:      &video,
	})
	return nil
}

func (h *handler) OnClose() {
	if h.sub != nil {
		h.ingest.broadcast.unsubscribe(h.sub.id)
	}
	if h.publishing {
		h.publishing = false
		h.ingest.broadcast.reset()
		h.ingest.onDonePublish()
	}
}
