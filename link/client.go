package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/bobstore/bob/cmn"
)

// wireObj is the pooled request/response envelope used by
// FastHTTPTransport, reused across calls so hot RPC paths do not
// reallocate.
type wireObj struct {
	Key        cmn.Key   `json:"key"`
	Keys       []cmn.Key `json:"keys,omitempty"` // batched EXIST only
	Timestamp  uint64    `json:"timestamp,omitempty"`
	Value      []byte    `json:"value,omitempty"`
	Meta       []byte    `json:"meta,omitempty"`
	RemoteNode string    `json:"remote_node,omitempty"`
	ForceNode  bool      `json:"force_node,omitempty"`
}

var objPool = sync.Pool{New: func() interface{} { return &wireObj{} }}

func allocObj() *wireObj {
	o := objPool.Get().(*wireObj)
	*o = wireObj{}
	return o
}

func freeObj(o *wireObj) { objPool.Put(o) }

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FastHTTPTransport implements Transport over a shared, pooled
// fasthttp.Client: clients are shallow clones, matching the "BobClient is Clone in the shallow
// sense: the underlying transport is shared".
type FastHTTPTransport struct {
	client *fasthttp.Client
}

func NewFastHTTPTransport() *FastHTTPTransport {
	return &FastHTTPTransport{
		client: &fasthttp.Client{
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
}

func (t *FastHTTPTransport) doJSON(ctx context.Context, method, url string, body *wireObj, out *wireObj) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return cmn.NewInternal("marshal request: " + err.Error())
		}
		req.SetBody(b)
	}

	deadline, ok := ctx.Deadline()
	var err error
	if ok {
		err = t.client.DoDeadline(req, resp, deadline)
	} else {
		err = t.client.Do(req, resp)
	}
	if err != nil {
		return cmn.NewTimeout()
	}
	if resp.StatusCode() >= 300 {
		return cmn.NewFailed(fmt.Sprintf("remote status %d: %s", resp.StatusCode(), resp.Body()))
	}
	if out != nil {
		return json.Unmarshal(resp.Body(), out)
	}
	return nil
}

func (t *FastHTTPTransport) Ping(ctx context.Context, addr string) error {
	return t.doJSON(ctx, fasthttp.MethodGet, "http://"+addr+"/ping", nil, nil)
}

// Put issues a direct per-target replica write: force_node is always set
// so the receiver serves it locally instead of re-entering the quorum
// protocol and routing back to us.
func (t *FastHTTPTransport) Put(ctx context.Context, addr string, key cmn.Key, data cmn.BlobData) error {
	o := allocObj()
	defer freeObj(o)
	o.Key, o.Timestamp, o.Value, o.ForceNode = key, data.Timestamp, data.Value, true
	return t.doJSON(ctx, fasthttp.MethodPost, "http://"+addr+"/put", o, nil)
}

func (t *FastHTTPTransport) Get(ctx context.Context, addr string, key cmn.Key) (cmn.BlobData, error) {
	o := allocObj()
	defer freeObj(o)
	o.Key, o.ForceNode = key, true
	var out wireObj
	if err := t.doJSON(ctx, fasthttp.MethodPost, "http://"+addr+"/get", o, &out); err != nil {
		return cmn.BlobData{}, err
	}
	return cmn.BlobData{Timestamp: out.Timestamp, Value: out.Value}, nil
}

func (t *FastHTTPTransport) Exist(ctx context.Context, addr string, keys []cmn.Key) ([]bool, error) {
	o := allocObj()
	defer freeObj(o)
	o.Keys, o.ForceNode = keys, true
	var out wireObj
	if err := t.doJSON(ctx, fasthttp.MethodPost, "http://"+addr+"/exist", o, &out); err != nil {
		return nil, err
	}
	vec := make([]bool, len(keys))
	for i := 0; i < len(vec) && i < len(out.Value); i++ {
		vec[i] = out.Value[i] == 1
	}
	return vec, nil
}

func (t *FastHTTPTransport) PutAlien(ctx context.Context, addr string, key cmn.Key, data cmn.BlobData, remoteNode string) error {
	o := allocObj()
	defer freeObj(o)
	o.Key, o.Timestamp, o.Value, o.RemoteNode = key, data.Timestamp, data.Value, remoteNode
	return t.doJSON(ctx, fasthttp.MethodPost, "http://"+addr+"/put_alien", o, nil)
}

func (t *FastHTTPTransport) GetAlien(ctx context.Context, addr string, key cmn.Key, remoteNode string) (cmn.BlobData, error) {
	o := allocObj()
	defer freeObj(o)
	o.Key, o.RemoteNode = key, remoteNode
	var out wireObj
	if err := t.doJSON(ctx, fasthttp.MethodPost, "http://"+addr+"/get_alien", o, &out); err != nil {
		return cmn.BlobData{}, err
	}
	return cmn.BlobData{Timestamp: out.Timestamp, Value: out.Value}, nil
}
