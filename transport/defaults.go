package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"chan-rpc/codec"

	"go.uber.org/zap"
)

const defaultDialTimeout = 5 * time.Second

// DefaultRegistry returns a registry with the bundled shortcuts:
//
//	local    {eventName}                     in-process, over bus
//	tcp      {addr, codec, heartbeat}         client stream to a hub
//	tcp-hub  {listen, codec, heartbeat}       hub accepting streams, fanout on
//	nsq      {topic, nsqd, lookupd, consumerChannel}
func DefaultRegistry(bus *Bus, logger *zap.Logger) *Registry {
	if bus == nil {
		bus = NewBus()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRegistry()
	r.Register("local", func(opts map[string]any) (Transport, error) {
		return NewLocal(bus, optString(opts, "eventName", DefaultEventName)), nil
	})
	r.Register("tcp", func(opts map[string]any) (Transport, error) {
		addr := optString(opts, "addr", "")
		if addr == "" {
			return nil, errors.New("addr is required")
		}
		so, err := streamOptionsFrom(opts, logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
		defer cancel()
		return Dial(ctx, DialOptions{Addr: addr, Stream: so, Logger: logger})
	})
	r.Register("tcp-hub", func(opts map[string]any) (Transport, error) {
		so, err := streamOptionsFrom(opts, logger)
		if err != nil {
			return nil, err
		}
		ln, err := net.Listen("tcp", optString(opts, "listen", "127.0.0.1:0"))
		if err != nil {
			return nil, err
		}
		svr := NewServer(ServerOptions{Stream: so, Fanout: true, Logger: logger})
		go func() {
			if err := svr.ServeListener(ln); err != nil {
				logger.Warn("hub stopped", zap.Error(err))
			}
		}()
		<-svr.Ready()
		return svr, nil
	})
	r.Register("nsq", func(opts map[string]any) (Transport, error) {
		return NewNSQ(nsqOptionsFrom(opts, logger))
	})
	return r
}

func streamOptionsFrom(opts map[string]any, logger *zap.Logger) (StreamOptions, error) {
	so := StreamOptions{Logger: logger}
	ct, err := codec.ParseCodecType(optString(opts, "codec", "json"))
	if err != nil {
		return so, err
	}
	so.Codec = ct
	if hb := optString(opts, "heartbeat", ""); hb != "" {
		d, err := time.ParseDuration(hb)
		if err != nil {
			return so, fmt.Errorf("heartbeat: %w", err)
		}
		so.HeartbeatInterval = d
	}
	return so, nil
}
