// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"aead.dev/mem"
	"github.com/minio/lwdir/internal/api"
	"github.com/minio/lwdir/internal/entry"
	"github.com/minio/lwdir/internal/headers"
	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/minio/lwdir/internal/raft"
	"github.com/minio/lwdir/internal/repl"
)

// maxRPCBody is the max. size of an RPC request or response.
const maxRPCBody = 16 * mem.MB

// compiler checks
var (
	_ raft.Transport = (*rpcTransport)(nil)
	_ repl.Partner   = (*replPartner)(nil)
)

// rpcTransport sends consensus messages to the cluster
// members over HTTP. The address of a member is looked
// up in the current cluster membership.
type rpcTransport struct {
	client  *http.Client
	members *atomic.Pointer[cluster]
}

func (t *rpcTransport) Ping(ctx context.Context, peer string, ping *raft.Ping) (*raft.PingReply, error) {
	addr, err := t.lookup(peer)
	if err != nil {
		return nil, err
	}
	reply, err := sendRPC(ctx, t.client, addr, api.PathClusterRPCPing, ping)
	if err != nil {
		return nil, err
	}
	e, err := entry.Decode(reply)
	if err != nil {
		return nil, err
	}
	return raft.ParsePingReplyEntry(e)
}

func (t *rpcTransport) Vote(ctx context.Context, peer string, vote *raft.Vote) (*raft.VoteReply, error) {
	addr, err := t.lookup(peer)
	if err != nil {
		return nil, err
	}
	reply, err := sendRPC(ctx, t.client, addr, api.PathClusterRPCVote, vote)
	if err != nil {
		return nil, err
	}
	e, err := entry.Decode(reply)
	if err != nil {
		return nil, err
	}
	return raft.ParseVoteReplyEntry(e)
}

func (t *rpcTransport) InitiateVote(ctx context.Context, peer string) error {
	addr, err := t.lookup(peer)
	if err != nil {
		return err
	}
	_, err = sendRPC(ctx, t.client, addr, api.PathClusterRPCInitiateVote, nil)
	return err
}

func (t *rpcTransport) lookup(peer string) (Addr, error) {
	if members := t.members.Load(); members != nil {
		if addr, ok := (*members)[peer]; ok {
			return addr, nil
		}
	}
	return Addr{}, raft.ErrUnknownPeer
}

// replPartner pulls pages of changes from a legacy
// replication partner.
type replPartner struct {
	client *http.Client
	addr   Addr
}

func (p *replPartner) PullPage(ctx context.Context, req *repl.PageRequest) (*repl.Page, error) {
	b, err := sendRPC(ctx, p.client, p.addr, api.PathReplPage, req)
	if err != nil {
		return nil, err
	}
	page := new(repl.Page)
	if err = xmsgp.Unmarshal(b, page); err != nil {
		return nil, err
	}
	return page, nil
}

// sendRPC sends the msgp encoded request, if not nil, to
// the API path at addr and returns the response body.
func sendRPC(ctx context.Context, client *http.Client, addr Addr, path string, req xmsgp.Marshaler) ([]byte, error) {
	var body []byte
	if req != nil {
		var err error
		if body, err = xmsgp.Marshal(req); err != nil {
			return nil, err
		}
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPut, addr.URL(path).String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r.Header.Set(headers.ContentType, headers.ContentTypeMsgPack)
	r.Header.Set(headers.Accept, headers.ContentTypeMsgPack)

	resp, err := client.Do(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(mem.LimitReader(resp.Body, maxRPCBody))
	if err != nil {
		return nil, err
	}
	if int64(len(reply)) == int64(maxRPCBody) {
		return nil, errors.New("lwdir: RPC response is too large")
	}
	return reply, nil
}

// readRPC reads the msgp encoded RPC request body into v.
// The caller must accept msgp encoded responses.
func readRPC(r *http.Request, v xmsgp.Unmarshaler) error {
	if !headers.Accepts(r.Header, headers.ContentTypeMsgPack) {
		return ErrInvalidParameter.withDetail("RPC response must be accepted as " + headers.ContentTypeMsgPack)
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if err = xmsgp.Unmarshal(b, v); err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	return nil
}

// writeRPC writes the msgp encoded RPC response b.
func writeRPC(w http.ResponseWriter, b []byte) error {
	w.Header().Set(headers.ContentType, headers.ContentTypeMsgPack)
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(b)
	return err
}
