package link

import (
	"github.com/valyala/fasthttp"

	"github.com/bobstore/bob/cmn"
)

// Serve starts a fasthttp listener dispatching each of the five RPCs
// to handler, the mirror image of FastHTTPTransport's client side.
// It blocks until the listener errors or is closed.
func Serve(addr string, handler RPCHandler) error {
	return fasthttp.ListenAndServe(addr, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ping":
			ctx.SetStatusCode(fasthttp.StatusOK)
		case "/put":
			serveRPC(ctx, handler, handlePutRPC)
		case "/get":
			serveRPC(ctx, handler, handleGetRPC)
		case "/exist":
			serveRPC(ctx, handler, handleExistRPC)
		case "/put_alien":
			serveRPC(ctx, handler, handlePutAlienRPC)
		case "/get_alien":
			serveRPC(ctx, handler, handleGetAlienRPC)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})
}

func serveRPC(ctx *fasthttp.RequestCtx, handler RPCHandler, fn func(RPCHandler, *wireObj) (*wireObj, error)) {
	in := allocObj()
	defer freeObj(in)
	if err := json.Unmarshal(ctx.PostBody(), in); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	out, err := fn(handler, in)
	if err != nil {
		ctx.SetStatusCode(statusForErr(err))
		ctx.SetBodyString(err.Error())
		return
	}
	if out == nil {
		return
	}
	b, merr := json.Marshal(out)
	if merr != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(b)
}

func statusForErr(err error) int {
	if cmn.KindOf(err) == cmn.KindKeyNotFound {
		return fasthttp.StatusNotFound
	}
	return fasthttp.StatusInternalServerError
}

func handlePutRPC(h RPCHandler, in *wireObj) (*wireObj, error) {
	err := h.HandlePut(in.Key, cmn.BlobData{Timestamp: in.Timestamp, Value: in.Value}, in.ForceNode)
	return nil, err
}

func handleGetRPC(h RPCHandler, in *wireObj) (*wireObj, error) {
	bd, err := h.HandleGet(in.Key, in.ForceNode)
	if err != nil {
		return nil, err
	}
	return &wireObj{Key: in.Key, Timestamp: bd.Timestamp, Value: bd.Value}, nil
}

func handleExistRPC(h RPCHandler, in *wireObj) (*wireObj, error) {
	vec, err := h.HandleExist(in.Keys, in.ForceNode)
	if err != nil {
		return nil, err
	}
	out := &wireObj{}
	out.Value = make([]byte, len(vec))
	for i, ok := range vec {
		if ok {
			out.Value[i] = 1
		}
	}
	return out, nil
}

func handlePutAlienRPC(h RPCHandler, in *wireObj) (*wireObj, error) {
	err := h.HandlePutAlien(in.Key, cmn.BlobData{Timestamp: in.Timestamp, Value: in.Value}, in.RemoteNode)
	return nil, err
}

func handleGetAlienRPC(h RPCHandler, in *wireObj) (*wireObj, error) {
	bd, err := h.HandleGetAlien(in.Key, in.RemoteNode)
	if err != nil {
		return nil, err
	}
	return &wireObj{Key: in.Key, Timestamp: bd.Timestamp, Value: bd.Value}, nil
}
