package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"github.com/couchwing/docengine/internal/document"
	"github.com/couchwing/docengine/internal/engine"
	"github.com/couchwing/docengine/internal/revid"
	"github.com/couchwing/docengine/internal/version"
)

type handlers struct {
	engine *engine.Engine
}

// getAccID validates the :acc/:id route params, the same rules the
// teacher's util.go enforces on its KV handlers.
func getAccID(ctx *fasthttp.RequestCtx) (string, string, error) {
	acc, ok := ctx.UserValue("acc").(string)
	if !ok || len(acc) == 0 || len(acc) > 255 {
		return "", "", errors.New("acc is not in range 1~255")
	}
	id, ok := ctx.UserValue("id").(string)
	if !ok || len(id) == 0 || len(id) > 255 {
		return "", "", errors.New("id is not in range 1~255")
	}
	return acc, id, nil
}

func docKey(acc, id string) string {
	return acc + "\x00" + id
}

func (h *handlers) PutDoc(ctx *fasthttp.RequestCtx) {
	acc, id, err := getAccID(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}

	args := ctx.Request.URI().QueryArgs()
	var parent revid.ID
	hasParent := false
	if p := args.Peek("rev"); len(p) > 0 {
		parent, err = revid.ParseASCII(string(p))
		if err != nil {
			ctx.Error("bad rev: "+err.Error(), 400)
			return
		}
		hasParent = true
	}
	deleted := args.Has("deleted")
	allowConflict := args.Has("new_edits_false")

	newRev, status, err := h.engine.PutNew(docKey(acc, id), id, parent, hasParent, ctx.PostBody(), deleted, allowConflict)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	ctx.Response.Header.Set("X-Revision", newRev)
	ctx.SetStatusCode(status)
	_, _ = ctx.WriteString(newRev)
}

func (h *handlers) GetDoc(ctx *fasthttp.RequestCtx) {
	acc, id, err := getAccID(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	body, rev, deleted, err := h.engine.Get(docKey(acc, id), id)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	if deleted {
		ctx.SetStatusCode(410)
	}
	ctx.Response.Header.Set("X-Revision", rev)
	_, _ = ctx.Write(body)
}

func (h *handlers) WaitForChange(ctx *fasthttp.RequestCtx) {
	acc, id, err := getAccID(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	args := ctx.Request.URI().QueryArgs()
	since, _ := strconv.ParseUint(string(args.Peek("since")), 10, 64)
	wait := 30
	if w := args.Peek("wait"); len(w) > 0 {
		wait, _ = strconv.Atoi(string(w))
	}

	seq := h.engine.Feed.Wait(docKey(acc, id), since, time.Duration(wait)*time.Second)
	fmt.Fprintf(ctx, "%d", seq)
}

func (h *handlers) ResolveConflict(ctx *fasthttp.RequestCtx) {
	acc, id, err := getAccID(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	args := ctx.Request.URI().QueryArgs()
	winner, err := revid.ParseASCII(string(args.Peek("winner")))
	if err != nil {
		ctx.Error("bad winner: "+err.Error(), 400)
		return
	}
	if err := h.engine.ResolveConflict(docKey(acc, id), id, winner); err != nil {
		writeEngineError(ctx, err)
		return
	}
}

func (h *handlers) UpgradeDoc(ctx *fasthttp.RequestCtx) {
	acc, id, err := getAccID(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	if err := h.engine.Upgrade(docKey(acc, id), id); err != nil {
		writeEngineError(ctx, err)
		return
	}
}

func (h *handlers) FindAncestor(ctx *fasthttp.RequestCtx) {
	acc, id, err := getAccID(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	args := ctx.Request.URI().QueryArgs()
	target, err := revid.ParseASCII(string(args.Peek("rev")))
	if err != nil {
		ctx.Error("bad rev: "+err.Error(), 400)
		return
	}
	res, err := h.engine.FindAncestor(docKey(acc, id), id, target)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	fmt.Fprintf(ctx, `{"status":%d,"ancestors":%q}`, res.Status, res.Ancestors)
}

func (h *handlers) FindRemoteAncestor(ctx *fasthttp.RequestCtx) {
	_, id, err := getAccID(ctx)
	if err != nil {
		ctx.Error(err.Error(), 400)
		return
	}
	args := ctx.Request.URI().QueryArgs()
	remoteDBID := string(args.Peek("remote"))
	if len(remoteDBID) == 0 {
		ctx.Error("remote is required", 400)
		return
	}
	target, err := version.ParseASCIIVersion(string(args.Peek("version")))
	if err != nil {
		ctx.Error("bad version: "+err.Error(), 400)
		return
	}
	res, err := h.engine.FindRemoteAncestor(remoteDBID, id, target)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	fmt.Fprintf(ctx, `{"status":%d,"ancestors":%q}`, res.Status, res.Ancestors)
}

func writeEngineError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, document.ErrNotFound):
		ctx.Error(err.Error(), 404)
	case errors.Is(err, document.ErrConflict):
		ctx.Error(err.Error(), 409)
	case errors.Is(err, engine.ErrWrongScheme):
		ctx.Error(err.Error(), 400)
	default:
		ctx.Error(err.Error(), 500)
	}
}
