package server

// HTTPError is the uniform error envelope.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CharacterCreateRequest struct {
	Name       string         `json:"name"`
	Tagline    string         `json:"tagline"`
	AvatarURL  string         `json:"avatar_url"`
	PriceCoins int64          `json:"price_coins"`
	Persona    map[string]any `json:"persona"`
	IPPack     map[string]any `json:"ip_pack"`
}

type ConversationCreateRequest struct {
	CharacterID string `json:"character_id"`
	Title       string `json:"title"`
}

type ChatRequest struct {
	Message    string `json:"message"`
	PolicyHint string `json:"policy_hint,omitempty"`
}

type ChatResponse struct {
	Reply      string `json:"reply"`
	PatchJobID string `json:"patch_job_id"`
	TurnSeq    int    `json:"turn_seq"`
}

type ScheduleUpdateRequest struct {
	ManualControl   *bool  `json:"manual_control,omitempty"`
	LockMode        string `json:"lock_mode,omitempty"`
	StoryLockUntil  string `json:"story_lock_until,omitempty"`
	StoryLockReason string `json:"story_lock_reason,omitempty"`
	ScheduleState   string `json:"schedule_state,omitempty"`
}

type WardrobeUpdateRequest struct {
	CurrentOutfit string   `json:"current_outfit"`
	Confirmed     bool     `json:"confirmed"`
	Items         []string `json:"items,omitempty"`
}

type StageUpdateRequest struct {
	Stage string `json:"stage"`
}

type PolicyUpdateRequest struct {
	PlotGranularity    string `json:"plot_granularity,omitempty"`
	EndingMode         string `json:"ending_mode,omitempty"`
	RomanceMode        string `json:"romance_mode,omitempty"`
	EndingRepeatWindow *int   `json:"ending_repeat_window,omitempty"`
}

type WalletTopupRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}
