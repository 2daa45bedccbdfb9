package config

// Driver kinds.
const (
	DriverBridge  = "bridge"
	DriverBrowser = "browser"
)

// Browser selector keys. The required ones must be set when the browser
// driver is used; the chat client's markup is not guessable.
const (
	SelChatsURL        = "chatsURL"
	SelContactsURL     = "contactsURL"
	SelConversationURL = "conversationURL"
	SelHeader          = "header"
	SelMessage         = "message"
	SelSender          = "sender"
	SelContent         = "content"
	SelSelfMarker      = "selfMarker"
	SelGroupMarker     = "groupMarker"
	SelInput           = "input"
	SelSubmit          = "submit"
)

var requiredSelectors = []string{SelChatsURL, SelConversationURL, SelHeader, SelMessage, SelContent, SelInput}

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
			DataDir:   "~/.relaybot",
		},
		Agent: AgentConfig{
			Name: "relaybot",
		},
		Driver: DriverConfig{
			Kind:              DriverBridge,
			TimeoutSeconds:    15,
			ExitOnUnreachable: true,
			Bridge: BridgeDriverConfig{
				BaseURL:         "http://127.0.0.1:5000",
				MaxDialFailures: 10,
			},
			Browser: BrowserDriverConfig{
				ProfileDir:  "~/.relaybot/chrome-profile",
				Headless:    false,
				PollSeconds: 2,
				Selectors:   map[string]string{},
			},
		},
		Listeners: ListenersConfig{
			StoreFile:        "~/.relaybot/listeners.json",
			SettleMillis:     500,
			PageToggleMillis: 300,
			RefreshSchedule:  "@every 5m",
			ProbeConcurrency: 4,
			Watch:            true,
		},
		Dispatch: DispatchConfig{
			Workers:             10,
			QueueSize:           1000,
			FillerText:          "(｡･ω･｡)ﾉ♡",
			FillerLineThreshold: 15,
			ErrorReply:          "That message seems to have gotten garbled. Could you send it again?",
		},
		Upstream: UpstreamConfig{
			Endpoint:               "http://127.0.0.1:8088/get-chat",
			ConnectTimeoutSeconds:  2,
			ReadTimeoutSeconds:     60,
			BreakerThreshold:       3,
			BreakerCooldownSeconds: 60,
			TransientReply:         "Hmm, that took too long to answer. Please try again in a moment.",
			EscalatedReply:         "The service is being stabilized right now. Please try again later.",
		},
		GroupLog: GroupLogConfig{
			Enabled:       true,
			DBPath:        "~/.relaybot/grouplog.db",
			RetentionDays: 30,
			PruneSchedule: "@daily",
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9191,
		},
		Alert: AlertConfig{
			Telegram: TelegramAlertConfig{
				Enabled: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
