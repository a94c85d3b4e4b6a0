// Package auth implements the session-scoped account surface: sign-up,
// sign-in, session fetch and kill, delegating identity storage to the
// connection's bound adapter and updating presence as a side effect.
package auth

import (
	"context"
	"encoding/json"

	"github.com/zot/databridge/internal/backend"
	"github.com/zot/databridge/internal/channel"
	"github.com/zot/databridge/internal/presence"
	"github.com/zot/databridge/internal/protocol"
	"github.com/zot/databridge/internal/registry"
)

// OnlineChannel is the well-known channel presence changes broadcast on.
const OnlineChannel = "users:onlineChanged"

// AccountChannel receives session lifecycle events for interested
// subscribers.
const AccountChannel = "account"

// Credentials is the payload of signup and signin actions.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Bridge handles account and user-directory actions.
type Bridge struct {
	registry *registry.Registry
	channels *channel.Directory
	presence *presence.Tracker
	sender   channel.Sender
	tokens   *TokenIssuer
	log      channel.Logger
}

// New creates an auth bridge.
func New(reg *registry.Registry, channels *channel.Directory, tracker *presence.Tracker, sender channel.Sender, tokens *TokenIssuer, log channel.Logger) *Bridge {
	return &Bridge{
		registry: reg,
		channels: channels,
		presence: tracker,
		sender:   sender,
		tokens:   tokens,
		log:      log,
	}
}

// HandleAccountAction processes one account:action request.
func (b *Bridge) HandleAccountAction(ctx context.Context, connectionID string, data *protocol.AccountActionData) {
	adapter, err := b.registry.Get(connectionID)
	if err != nil {
		b.accountResult(connectionID, &protocol.AccountResult{
			Status:  protocol.StatusError,
			Message: "Database not initialized for this client",
		})
		return
	}
	identity := adapter.Identity()
	b.log.Log(2, "account action: conn=%s action=%s", connectionID, data.Action)

	switch data.Action {
	case "signup":
		b.signUp(ctx, connectionID, identity, data)
	case "signin":
		b.signIn(ctx, connectionID, identity, data)
	case "getAccount":
		b.getAccount(ctx, connectionID, adapter, data)
	case "getSession":
		b.getSession(ctx, connectionID, adapter, data)
	case "getSessions":
		b.getSessions(ctx, connectionID, adapter, data)
	case "setSession":
		b.setSession(ctx, connectionID, identity, data)
	case "killSession":
		b.killSession(ctx, connectionID, adapter, data)
	case "killSessions":
		b.killSessions(ctx, connectionID, adapter, data)
	case "changeSession":
		b.changeSession(ctx, connectionID, identity, data)
	default:
		b.accountResult(connectionID, &protocol.AccountResult{
			Status:  protocol.StatusError,
			Message: "Unknown action",
		})
	}
}

func (b *Bridge) signUp(ctx context.Context, connectionID string, identity backend.IdentityStore, data *protocol.AccountActionData) {
	var creds Credentials
	if err := json.Unmarshal(data.Data, &creds); err != nil {
		b.accountError(connectionID, "invalid credentials payload")
		return
	}

	userID, err := identity.SignUp(ctx, creds.Email, creds.Password)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	sessionID := NewSessionID()
	if err := identity.SetSession(ctx, userID, sessionID); err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	token, err := b.tokens.Issue(userID, creds.Email)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}

	b.accountResult(connectionID, &protocol.AccountResult{
		Status:    protocol.StatusSuccess,
		Token:     token,
		SessionID: sessionID,
	})
	b.send(connectionID, AccountChannel, map[string]interface{}{"event": "signup", "userId": userID})
}

func (b *Bridge) signIn(ctx context.Context, connectionID string, identity backend.IdentityStore, data *protocol.AccountActionData) {
	var creds Credentials
	if err := json.Unmarshal(data.Data, &creds); err != nil {
		b.accountError(connectionID, "invalid credentials payload")
		return
	}

	user, err := identity.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	sessionID := NewSessionID()
	if err := identity.SetSession(ctx, user.ID, sessionID); err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	token, err := b.tokens.Issue(user.ID, user.Email)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}

	b.accountResult(connectionID, &protocol.AccountResult{
		Status:    protocol.StatusSuccess,
		Token:     token,
		SessionID: sessionID,
	})
	b.send(connectionID, AccountChannel, map[string]interface{}{"event": "signin", "userId": user.ID})
}

func (b *Bridge) getAccount(ctx context.Context, connectionID string, adapter backend.Adapter, data *protocol.AccountActionData) {
	claims, err := b.tokens.Verify(data.Token)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}

	user, err := adapter.Identity().GetUser(ctx, claims.UserID)
	if err != nil {
		b.send(connectionID, "account:get", &protocol.AccountResult{
			Status:  protocol.StatusError,
			Message: err.Error(),
		})
		return
	}
	b.send(connectionID, "account:get", &protocol.AccountResult{
		Status: protocol.StatusSuccess,
		Data:   user,
	})
	b.markOnline(ctx, adapter, claims.UserID, connectionID)
}

func (b *Bridge) getSession(ctx context.Context, connectionID string, adapter backend.Adapter, data *protocol.AccountActionData) {
	claims, err := b.tokens.Verify(data.Token)
	if err != nil {
		b.send(connectionID, "account:session", &protocol.AccountResult{
			Status:  protocol.StatusError,
			Message: "Invalid or expired token",
		})
		return
	}
	if data.Session == "" {
		b.accountError(connectionID, "No token/session provided")
		return
	}

	session, err := adapter.Identity().GetSession(ctx, data.Session)
	if err != nil {
		b.send(connectionID, "account:session", &protocol.AccountResult{
			Status:  protocol.StatusError,
			Message: err.Error(),
		})
		return
	}
	b.send(connectionID, "account:session", &protocol.AccountResult{
		Status: protocol.StatusSuccess,
		Data:   session,
	})
	b.markOnline(ctx, adapter, claims.UserID, connectionID)
}

func (b *Bridge) getSessions(ctx context.Context, connectionID string, adapter backend.Adapter, data *protocol.AccountActionData) {
	claims, err := b.tokens.Verify(data.Token)
	if err != nil {
		b.send(connectionID, "account:session", &protocol.AccountResult{
			Status:  protocol.StatusError,
			Message: "Invalid or expired token",
		})
		return
	}

	sessions, err := adapter.Identity().GetSessions(ctx, claims.UserID)
	if err != nil {
		b.send(connectionID, "account:session", &protocol.AccountResult{
			Status:  protocol.StatusError,
			Message: err.Error(),
		})
		return
	}
	b.send(connectionID, "account:session", &protocol.AccountResult{
		Status: protocol.StatusSuccess,
		Data:   sessions,
	})
	b.markOnline(ctx, adapter, claims.UserID, connectionID)
}

func (b *Bridge) setSession(ctx context.Context, connectionID string, identity backend.IdentityStore, data *protocol.AccountActionData) {
	claims, err := b.tokens.Verify(data.Token)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	if err := identity.SetSession(ctx, claims.UserID, data.Session); err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	b.accountResult(connectionID, &protocol.AccountResult{
		Status:  protocol.StatusSuccess,
		Message: "Session set",
	})
}

func (b *Bridge) killSession(ctx context.Context, connectionID string, adapter backend.Adapter, data *protocol.AccountActionData) {
	claims, err := b.tokens.Verify(data.Token)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	if data.Session == "" {
		b.accountError(connectionID, "No token/session provided")
		return
	}

	if err := adapter.Identity().KillSession(ctx, data.Session); err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	b.accountResult(connectionID, &protocol.AccountResult{
		Status:  protocol.StatusSuccess,
		Message: "Session killed",
	})
	b.markOfflineAndAnnounce(ctx, adapter, claims.UserID)
}

func (b *Bridge) killSessions(ctx context.Context, connectionID string, adapter backend.Adapter, data *protocol.AccountActionData) {
	claims, err := b.tokens.Verify(data.Token)
	if err != nil {
		b.accountError(connectionID, err.Error())
		return
	}

	if _, err := adapter.Identity().KillSessions(ctx, claims.UserID); err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	b.accountResult(connectionID, &protocol.AccountResult{
		Status:  protocol.StatusSuccess,
		Message: "Sessions killed",
	})
	b.markOfflineAndAnnounce(ctx, adapter, claims.UserID)
}

func (b *Bridge) changeSession(ctx context.Context, connectionID string, identity backend.IdentityStore, data *protocol.AccountActionData) {
	if _, err := b.tokens.Verify(data.Token); err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	if data.Session == "" {
		b.accountError(connectionID, "No token/session provided")
		return
	}
	if err := identity.ChangeSession(ctx, data.Session, data.Data); err != nil {
		b.accountError(connectionID, err.Error())
		return
	}
	b.accountResult(connectionID, &protocol.AccountResult{
		Status:  protocol.StatusSuccess,
		Message: "Session changed",
	})
}

// HandleUsersAction processes one users:action request.
func (b *Bridge) HandleUsersAction(ctx context.Context, connectionID string, data *protocol.UsersActionData) {
	adapter, err := b.registry.Get(connectionID)
	if err != nil {
		b.usersError(connectionID, "Database not initialized")
		return
	}
	if data.Token == "" {
		b.usersError(connectionID, "No token provided")
		return
	}
	if _, err := b.tokens.Verify(data.Token); err != nil {
		b.usersError(connectionID, err.Error())
		return
	}
	identity := adapter.Identity()
	b.log.Log(2, "users action: conn=%s action=%s", connectionID, data.Action)

	switch data.Action {
	case "listAll":
		users, err := identity.ListUsers(ctx)
		if err != nil {
			b.usersError(connectionID, err.Error())
			return
		}
		b.send(connectionID, "users:result", &protocol.UsersResult{Status: protocol.StatusSuccess, Data: users})

	case "listOnline":
		users, err := identity.GetUsers(ctx, b.presence.Snapshot())
		if err != nil {
			b.usersError(connectionID, err.Error())
			return
		}
		b.send(connectionID, "users:online", &protocol.UsersResult{Status: protocol.StatusSuccess, Data: users})

	case "getUser":
		if data.UserID == "" {
			b.usersError(connectionID, "No userId provided")
			return
		}
		user, err := identity.GetUser(ctx, data.UserID)
		if err != nil {
			b.usersError(connectionID, err.Error())
			return
		}
		b.send(connectionID, "users:result", &protocol.UsersResult{Status: protocol.StatusSuccess, Data: user})

	case "getUsers":
		if len(data.UserIDs) == 0 {
			b.usersError(connectionID, "No userIds provided")
			return
		}
		users, err := identity.GetUsers(ctx, data.UserIDs)
		if err != nil {
			b.usersError(connectionID, err.Error())
			return
		}
		b.send(connectionID, "users:result", &protocol.UsersResult{Status: protocol.StatusSuccess, Data: users})

	default:
		b.usersError(connectionID, "Unknown action")
	}
}

// DropConnection clears the presence entry pointing at a disconnecting
// connection and announces the shrunken online set. The adapter is already
// gone at this point, so the broadcast carries bare user ids.
func (b *Bridge) DropConnection(connectionID string) {
	userID, ok := b.presence.DropConnection(connectionID)
	if !ok {
		return
	}
	b.log.Log(1, "presence: %s went offline (disconnect)", userID)
	b.publishOnline(b.presence.Snapshot())
}

// markOnline records presence for the user and, when the online set grew,
// broadcasts the refreshed online user records.
func (b *Bridge) markOnline(ctx context.Context, adapter backend.Adapter, userID, connectionID string) {
	if !b.presence.MarkOnline(userID, connectionID) {
		return
	}
	b.log.Log(1, "presence: %s online via %s", userID, connectionID)
	b.announceOnline(ctx, adapter)
}

func (b *Bridge) markOfflineAndAnnounce(ctx context.Context, adapter backend.Adapter, userID string) {
	if b.presence.MarkOffline(userID) {
		b.log.Log(1, "presence: %s offline", userID)
		b.announceOnline(ctx, adapter)
	}
	evt, err := protocol.NewEvent(AccountChannel, map[string]interface{}{
		"event":  "sessionKilled",
		"userId": userID,
	})
	if err == nil {
		b.channels.Publish(AccountChannel, evt, "")
	}
}

// announceOnline publishes the full user records for the current online set.
func (b *Bridge) announceOnline(ctx context.Context, adapter backend.Adapter) {
	ids := b.presence.Snapshot()
	users, err := adapter.Identity().GetUsers(ctx, ids)
	if err != nil {
		b.log.Log(0, "online-user lookup failed: %v", err)
		b.publishOnline(ids)
		return
	}
	evt, err := protocol.NewEvent(OnlineChannel, users)
	if err != nil {
		return
	}
	b.channels.Publish(OnlineChannel, evt, "")
}

func (b *Bridge) publishOnline(payload interface{}) {
	evt, err := protocol.NewEvent(OnlineChannel, payload)
	if err != nil {
		return
	}
	b.channels.Publish(OnlineChannel, evt, "")
}

func (b *Bridge) accountResult(connectionID string, result *protocol.AccountResult) {
	b.send(connectionID, "account:result", result)
}

func (b *Bridge) accountError(connectionID, message string) {
	b.accountResult(connectionID, &protocol.AccountResult{
		Status:  protocol.StatusError,
		Message: message,
	})
}

func (b *Bridge) usersError(connectionID, message string) {
	b.send(connectionID, "users:result", &protocol.UsersResult{
		Status:  protocol.StatusError,
		Message: message,
	})
}

func (b *Bridge) send(connectionID string, evtType string, payload interface{}) {
	evt, err := protocol.NewEvent(protocol.EventType(evtType), payload)
	if err != nil {
		b.log.Log(0, "encode %s failed: %v", evtType, err)
		return
	}
	if err := b.sender.Send(connectionID, evt); err != nil {
		b.log.Log(0, "send %s to %s failed: %v", evtType, connectionID, err)
	}
}
