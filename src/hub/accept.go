package hub

import (
	"context"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/voiceping/router/src/auth"
	"github.com/voiceping/router/src/presence"
	"github.com/voiceping/router/src/wire"
)

// resolveTimeout bounds credential resolution during the handshake.
const resolveTimeout = 5 * time.Second

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*fasthttp.RequestCtx) bool { return true },
}

// handshakeCreds is what a client managed to smuggle into the upgrade
// request.
type handshakeCreds struct {
	token       string
	deviceID    string
	role        string
	subprotocol string
}

// Accept returns the raw fasthttp handler for the WebSocket endpoint.
// Registered at the server level since Fiber v3 does not expose
// *fasthttp.RequestCtx.
func (h *Hub) Accept(resolver *auth.Resolver) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}
		if h.draining.Load() {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"shutting_down"}`)
			return
		}

		creds := credentialsFrom(ctx)
		rctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		identity, err := resolver.Resolve(rctx, creds.token)
		cancel()
		if err != nil {
			h.logger.Warn().Err(err).Msg("handshake rejected")
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"unauthorized"}`)
			return
		}

		role := normalizeRole(identity.Role, creds.role)
		key := uuid.New().String()

		// Echo the offered subprotocol so token-in-subprotocol clients
		// complete their handshake.
		if creds.subprotocol != "" {
			ctx.Response.Header.Set("Sec-WebSocket-Protocol", creds.subprotocol)
		}

		err = upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
			h.serve(ws, key, identity.UID, creds.deviceID, role)
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// serve runs a freshly upgraded connection until it closes, blocking on
// the upgrader's goroutine per its handler contract.
func (h *Hub) serve(ws Conn, key, uid, deviceID, role string) {
	c := newConnection(ws, h, key, uid, deviceID, role)
	h.RegisterSocket(c)

	if role == RoleDashboard {
		// The snapshot must be the dashboard's first frame, so it is
		// queued before the connection joins the broadcast set: no live
		// update can jump ahead of it.
		h.sendSnapshot(c)
		h.addDashboard(c)
	} else {
		c.SendFrame(wire.Frame{
			ChannelType: wire.ChannelPrivate,
			MessageType: wire.TypeConnectionAck,
			FromID:      wire.ToBroadcast,
			ToID:        uid,
		})
		go func() {
			ctx, cancel := h.opCtx()
			defer cancel()
			if err := h.presence.SetUserOnline(ctx, uid, presence.Device{DeviceID: deviceID, Role: role}); err != nil {
				h.logger.Warn().Err(err).Str("user", uid).Msg("online transition failed")
			}
		}()
	}

	go c.writeLoop()
	c.readLoop()
}

// credentialsFrom pulls the token, device id, and role hint from the
// places clients put them: headers, query params, or the subprotocol
// list for browser clients that cannot set headers.
func credentialsFrom(ctx *fasthttp.RequestCtx) handshakeCreds {
	peek := func(names ...string) string {
		for _, n := range names {
			if v := ctx.Request.Header.Peek(n); len(v) > 0 {
				return string(v)
			}
			if v := ctx.QueryArgs().Peek(n); len(v) > 0 {
				return string(v)
			}
		}
		return ""
	}

	creds := handshakeCreds{
		token:    peek("token", "voicepingtoken"),
		deviceID: peek("device_id", "deviceid"),
		role:     peek("role"),
	}

	protos := fastHTTPSubprotocols(ctx)
	if len(protos) > 0 {
		creds.subprotocol = protos[0]
		if creds.token == "" {
			creds.token = protos[0]
		}
	}
	if len(protos) > 1 && creds.deviceID == "" {
		creds.deviceID = protos[1]
	}
	return creds
}

// fastHTTPSubprotocols returns the subprotocols requested by the client
// in the Sec-Websocket-Protocol header, mirroring the library's
// Subprotocols helper, which exists only for net/http requests.
func fastHTTPSubprotocols(ctx *fasthttp.RequestCtx) []string {
	h := strings.TrimSpace(string(ctx.Request.Header.Peek("Sec-Websocket-Protocol")))
	if h == "" {
		return nil
	}
	protos := strings.Split(h, ",")
	for i := range protos {
		protos[i] = strings.TrimSpace(protos[i])
	}
	return protos
}

// normalizeRole folds the resolved claim and the handshake hint into one
// of the two connection roles. Mobile is the default.
func normalizeRole(claim, hint string) string {
	role := claim
	if role == "" {
		role = hint
	}
	switch strings.ToLower(role) {
	case "web", "dashboard":
		return RoleDashboard
	default:
		return RoleMobile
	}
}
