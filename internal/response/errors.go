package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden ErrCode = "FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound     ErrCode = "NOT_FOUND"
	ErrTestNotFound ErrCode = "TEST_NOT_FOUND"
	ErrConflict     ErrCode = "CONFLICT"

	// ─── Session-specific ──────────────────────────────────────────────
	ErrTimeExpired               ErrCode = "TIME_EXPIRED"
	ErrTimeLimitExceededOnSubmit ErrCode = "TIME_LIMIT_EXCEEDED_ON_SUBMIT"
	ErrSessionInactive           ErrCode = "SESSION_INACTIVE"
	ErrTooManyAttempts           ErrCode = "TOO_MANY_ATTEMPTS"
	ErrInsufficientPoints        ErrCode = "INSUFFICIENT_POINTS"
	ErrNotJoined                 ErrCode = "NOT_JOINED"

	// ─── Media ─────────────────────────────────────────────────────────
	ErrFileRequired    ErrCode = "FILE_REQUIRED"
	ErrUnsupportedFile ErrCode = "UNSUPPORTED_FILE_TYPE"
	ErrFileTooLarge    ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrUnknownAction:
		return "Aksi tidak dikenal."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrTestNotFound:
		return "Tes tidak ditemukan atau belum dipublikasikan."
	case ErrConflict:
		return "Jawaban telah diubah dari perangkat lain. Muat ulang untuk melanjutkan."

	// ─── Session-specific ──────────────────────────────────────────────
	case ErrTimeExpired:
		return "Waktu pengerjaan telah habis."
	case ErrTimeLimitExceededOnSubmit:
		return "Jawaban dikirim setelah batas waktu."
	case ErrSessionInactive:
		return "Sesi tidak aktif atau sudah berakhir."
	case ErrTooManyAttempts:
		return "Batas jumlah percobaan untuk tes ini telah tercapai."
	case ErrInsufficientPoints:
		return "Poin Anda tidak mencukupi untuk memulai tes ini."
	case ErrNotJoined:
		return "Bergabunglah ke sesi terlebih dahulu."

	// ─── Media ─────────────────────────────────────────────────────────
	case ErrFileRequired:
		return "Unggah file diperlukan."
	case ErrUnsupportedFile:
		return "Jenis file tidak didukung."
	case ErrFileTooLarge:
		return "Ukuran file melebihi batas."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
