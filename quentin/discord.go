package quentin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordMessagePageSize is the maximum number of messages discord
	// returns per request
	discordMessagePageSize = 100

	// discordMaxMessagePages bounds FetchMessages, so a busy channel
	// can't page indefinitely
	discordMaxMessagePages = 200
)

// MessageGateway is the chat platform, as seen by the scheduler and
// collector
type MessageGateway interface {
	// PostMessage sends content to the channel, returning the message ID
	PostMessage(ctx context.Context, channelID string, content string) (string, error)

	// FetchMessages returns messages posted in the channel within
	// [after, before), oldest first
	FetchMessages(
		ctx context.Context,
		channelID string,
		after time.Time,
		before time.Time,
	) ([]Submission, error)

	// MarkMessage adds the outcome's reaction to the message
	MarkMessage(ctx context.Context, channelID string, messageID string, outcome MessageOutcome) error

	// HasRole returns true if the guild member has the role
	HasRole(ctx context.Context, guildID string, userID string, roleID string) (bool, error)

	// RoleName returns the display name of the role
	RoleName(ctx context.Context, guildID string, roleID string) (string, error)
}

// Discord implements MessageGateway over a discord session
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// onConnect is called (in its own goroutine) each time the gateway
	// connects
	onConnect func()
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		logger:                      newComponentLogger(config.LogLevel, "discord"),
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session using the configured token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// open registers gateway handlers and connects
func (d *Discord) open() error {
	d.session.SetIdentify(discordgo.Identify{Intents: d.config.GatewayIntents})
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
	)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (d *Discord) close() error {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
	return d.session.Close()
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", userID,
			"username", username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected", "connects", d.metricConnects.Load())
		if d.onConnect != nil {
			go d.onConnect()
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

func (d *Discord) PostMessage(ctx context.Context, channelID string, content string) (
	string,
	error,
) {
	if channelID == "" {
		return "", errors.New("channel ID is required")
	}
	msg, err := d.session.ChannelMessageSend(
		channelID,
		truncate(content, discordMaxMessageLength),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// FetchMessages pages forward through the channel's history, starting
// from a snowflake derived from after
func (d *Discord) FetchMessages(
	ctx context.Context,
	channelID string,
	after time.Time,
	before time.Time,
) ([]Submission, error) {
	log := loggerFromContext(ctx, d.logger)
	cursor := snowflakeFromTime(after)
	var submissions []Submission

	for page := 0; page < discordMaxMessagePages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messages, err := d.session.ChannelMessages(
			channelID,
			discordMessagePageSize,
			"",
			cursor,
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, fmt.Errorf("error fetching messages: %w", err)
		}
		if len(messages) == 0 {
			break
		}

		pastWindow := false
		for _, m := range messages {
			if snowflakeAfter(m.ID, cursor) {
				cursor = m.ID
			}
			if m.Timestamp.Before(after) {
				continue
			}
			if !m.Timestamp.Before(before) {
				pastWindow = true
				continue
			}
			submissions = append(submissions, submissionFromMessage(m))
		}
		log.DebugContext(
			ctx,
			"fetched message page",
			"channel_id", channelID,
			"page", page,
			"count", len(messages),
		)
		if pastWindow || len(messages) < discordMessagePageSize {
			break
		}
	}

	sort.SliceStable(
		submissions, func(i, j int) bool {
			if submissions[i].PostedAt.Equal(submissions[j].PostedAt) {
				return snowflakeAfter(submissions[j].MessageID, submissions[i].MessageID)
			}
			return submissions[i].PostedAt.Before(submissions[j].PostedAt)
		},
	)
	return submissions, nil
}

func (d *Discord) MarkMessage(
	ctx context.Context,
	channelID string,
	messageID string,
	outcome MessageOutcome,
) error {
	return d.session.MessageReactionAdd(
		channelID,
		messageID,
		outcome.Emoji(),
		discordgo.WithContext(ctx),
	)
}

func (d *Discord) HasRole(ctx context.Context, guildID string, userID string, roleID string) (
	bool,
	error,
) {
	member, err := d.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("error getting guild member: %w", err)
	}
	return slices.Contains(member.Roles, roleID), nil
}

func (d *Discord) RoleName(ctx context.Context, guildID string, roleID string) (string, error) {
	roles, err := d.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("error getting guild roles: %w", err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return r.Name, nil
		}
	}
	return "", fmt.Errorf("role not found: %s", roleID)
}

func submissionFromMessage(m *discordgo.Message) Submission {
	s := Submission{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Text:      m.Content,
		PostedAt:  m.Timestamp,
	}
	if m.Author != nil {
		s.AuthorID = m.Author.ID
		s.AuthorIsBot = m.Author.Bot
	}
	for _, a := range m.Attachments {
		if a != nil && a.URL != "" {
			s.AttachmentURLs = append(s.AttachmentURLs, a.URL)
		}
	}
	return s
}

// snowflakeAfter returns true if snowflake a is newer than b
func snowflakeAfter(a string, b string) bool {
	ai, aErr := strconv.ParseUint(a, 10, 64)
	bi, bErr := strconv.ParseUint(b, 10, 64)
	if aErr != nil || bErr != nil {
		return a > b
	}
	return ai > bi
}

// DiscordSessionHandler is the subset of discordgo.Session methods
// used by Discord, so it can be mocked
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages from the channel.
	// At most one of beforeID, afterID and aroundID should be set.
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	GuildMember(
		guildID string,
		userID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildRoles(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Role, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", truncate(message, 100),
		)
	} else {
		d.logger.Info("sent message", "channel_id", channelID, "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	msgs, err := d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, opts...)
	if err != nil {
		d.logger.Error(
			"error listing channel messages",
			tint.Err(err),
			"channel_id", channelID,
			"after_id", afterID,
		)
	}
	return msgs, err
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	err := d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
	if err != nil {
		d.logger.Error(
			"error adding reaction",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
			"emoji", emojiID,
		)
	}
	return err
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, opts...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, opts...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// SetIdentify replaces the session's identify payload, keeping the
// existing token and properties if i doesn't set them
func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	if i.Token == "" {
		i.Token = d.session.Identify.Token
	}
	if i.Properties == (discordgo.IdentifyProperties{}) {
		i.Properties = d.session.Identify.Properties
	}
	if i.LargeThreshold == 0 {
		i.LargeThreshold = d.session.Identify.LargeThreshold
	}
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
