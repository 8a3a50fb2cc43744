package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	headerProxyFor  = "X-Proxy-For"
	headerTimestamp = "Timestamp"
	headerExpires   = "X-Expires"

	expiresLayout = time.RFC1123 // e.g. "Mon, 02 Jan 2006 15:04:05 MST"
)

// peerClient is a persistent HTTP/1.1 client to a single peer node,
// used to proxy one replica leg of a fanned-out request. Transport
// reuse (keep-alive, capped idle conns) matters here because every
// client-facing request opens one of these per peer in the replica
// set.
type peerClient struct {
	baseURL string
	http    *http.Client
}

// defaultPeerTimeout is the per-request deadline applied to every peer
// round-trip; a peer that misses it is treated as not having
// responded, for quorum accounting.
const defaultPeerTimeout = 1000 * time.Millisecond

func newPeerClient(addr string) *peerClient {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxConnsPerHost:     16,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &peerClient{
		baseURL: fmt.Sprintf("http://%s", addr),
		http: &http.Client{
			Timeout:   defaultPeerTimeout,
			Transport: transport,
		},
	}
}

// get proxies a GET to the peer and parses its replica-level reply.
// Any transport error or non-2xx/404 status is surfaced as an error;
// the caller treats that as "replica did not respond".
func (p *peerClient) get(ctx context.Context, key []byte) (ReplicaReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v0/entity?id="+url.QueryEscape(string(key)), nil)
	if err != nil {
		return ReplicaReply{}, err
	}
	req.Header.Set(headerProxyFor, "True")

	resp, err := p.http.Do(req)
	if err != nil {
		return ReplicaReply{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		value, err := io.ReadAll(resp.Body)
		if err != nil {
			return ReplicaReply{}, err
		}
		ts, err := parseTimestampHeader(resp.Header.Get(headerTimestamp))
		if err != nil {
			return ReplicaReply{}, err
		}
		return ReplicaReply{Status: Present, Value: value, Timestamp: ts}, nil
	case http.StatusNotFound:
		if raw := resp.Header.Get(headerTimestamp); raw != "" {
			ts, err := parseTimestampHeader(raw)
			if err != nil {
				return ReplicaReply{}, err
			}
			return ReplicaReply{Status: Removed, Timestamp: ts}, nil
		}
		return ReplicaReply{Status: Absent}, nil
	default:
		return ReplicaReply{}, fmt.Errorf("peer %s: unexpected status %d", p.baseURL, resp.StatusCode)
	}
}

// put proxies a PUT to the peer, propagating expire in full fidelity
// via X-Expires when it is not lsm.Forever. Success is any 2xx.
func (p *peerClient) put(ctx context.Context, key, value []byte, expire int64, hasExpire bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.baseURL+"/v0/entity?id="+url.QueryEscape(string(key)), bytes.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set(headerProxyFor, "True")
	if hasExpire {
		req.Header.Set(headerExpires, time.Unix(0, expire).UTC().Format(expiresLayout))
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s: unexpected status %d", p.baseURL, resp.StatusCode)
	}
	return nil
}

// delete proxies a DELETE to the peer. Success is any 2xx.
func (p *peerClient) delete(ctx context.Context, key []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v0/entity?id="+url.QueryEscape(string(key)), nil)
	if err != nil {
		return err
	}
	req.Header.Set(headerProxyFor, "True")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s: unexpected status %d", p.baseURL, resp.StatusCode)
	}
	return nil
}

func parseTimestampHeader(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
