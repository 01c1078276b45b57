package gateway

import (
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a receive-only PeerConnection with default codecs
// and interceptors registered.
func newPeerConnection(callID string, stunServers []string) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s — far too
	// short for relay paths that can have short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, err
	}

	addRecvOnlyTransceivers(callID, pc, true)
	return pc, nil
}

// addRecvOnlyTransceivers adds recvonly transceivers so CreateOffer and
// CreateAnswer always produce valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection, video bool) {
	if video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("GATEWAY [%s]: AddTransceiver(video) error: %v", callID, err)
		}
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("GATEWAY [%s]: AddTransceiver(audio) error: %v", callID, err)
	}
}

// consumeTrack drains RTP from a remote track, counting bytes for the stats
// surface. Video tracks additionally get a periodic PLI so the sender
// refreshes keyframes after loss.
func (c *pionCall) consumeTrack(track *webrtc.TrackRemote) {
	log.Printf("GATEWAY [%s]: remote track %s (%s)", c.id, track.ID(), track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go c.keyframeLoop(track)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Printf("GATEWAY [%s]: track read ended: %v", c.id, err)
			}
			return
		}
		c.recordPacket(pkt)
	}
}

func (c *pionCall) recordPacket(pkt *rtp.Packet) {
	atomic.AddUint64(&c.bytesReceived, uint64(pkt.MarshalSize()))
	atomic.AddUint64(&c.packetsReceived, 1)
}

func (c *pionCall) keyframeLoop(track *webrtc.TrackRemote) {
	t := time.NewTicker(3 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}
