package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// Codeは機械判定可能な安定文字列、Messageは人間向けの説明を持つ。
// 内部例外の詳細はログのみに記録し、レスポンスには含めない。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, format, upstream, hub, system
	Action   string // 呼び出し元向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingChallenge     = "MISSING_CHALLENGE"
	ErrCodeMissingEntry         = "MISSING_ENTRY"
	ErrCodeMissingTitle         = "MISSING_TITLE"
	ErrCodeMissingVideoID       = "MISSING_VIDEO_ID"
	ErrCodeParseFailed          = "PARSE_FAILED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInvalidStatus        = "INVALID_STATUS"
	ErrCodeInvalidLease         = "INVALID_LEASE"
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeSSRFBlocked          = "SSRF_BLOCKED"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeUpstreamFailed       = "UPSTREAM_FAILED"
)

// NewMissingChallengeError はhub.challengeパラメータ欠落エラーを生成する。
func NewMissingChallengeError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingChallenge,
		Message:  "hub.challenge パラメータがありません。",
		Category: "validation",
		Action:   "検証リクエストには hub.challenge を含めてください。",
	}
}

// NewMissingEntryError は通知ボディにentryが含まれない場合のエラーを生成する。
func NewMissingEntryError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingEntry,
		Message:  "通知フィードに entry が含まれていません。",
		Category: "validation",
		Action:   "entry要素を1件含むAtomフィードを送信してください。",
	}
}

// NewMissingTitleError はentryのtitleが空の場合のエラーを生成する。
func NewMissingTitleError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingTitle,
		Message:  "entryの title が空です。",
		Category: "validation",
		Action:   "titleが設定されたentryを送信してください。",
	}
}

// NewMissingVideoIDError はentryのvideo idが空の場合のエラーを生成する。
func NewMissingVideoIDError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingVideoID,
		Message:  "entryの video id が空です。",
		Category: "validation",
		Action:   "idが設定されたentryを送信してください。",
	}
}

// NewParseFailedError は通知ボディのパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "通知ボディの解析に失敗しました。",
		Category: "format",
		Action:   "有効なAtomフィードを送信してください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewInvalidStatusError は無効なステータス値エラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なステータスです: %s", status),
		Category: "validation",
		Action:   "ステータスには active または inactive を指定してください。",
	}
}

// NewInvalidLeaseError は無効なリース秒数エラーを生成する。
func NewInvalidLeaseError(leaseSeconds int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLease,
		Message:  fmt.Sprintf("無効なリース秒数です: %d", leaseSeconds),
		Category: "validation",
		Action:   "lease_seconds には正の整数を指定してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "http:// または https:// で始まる正しいURLを入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているURLを指定してください。プライベートIPやローカルホストは許可されていません。",
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(channelID string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定されたチャンネルの購読が見つかりません: %s", channelID),
		Category: "validation",
		Action:   "チャンネルIDを確認してください。",
	}
}

// NewUpstreamError は依存コンポーネント（ストア/キュー/キャッシュ）の失敗エラーを生成する。
// 管理APIでのみ呼び出し元に露出する。ハブ向けパスではログのみに留めること。
func NewUpstreamError(component string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  fmt.Sprintf("依存コンポーネントの呼び出しに失敗しました: %s", component),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
