package apperror

import (
	"errors"
	"net/http"
)

type Code string

const (
	BadRequest Code = "BAD_REQUEST"
	NotFound   Code = "NOT_FOUND"
	Internal   Code = "INTERNAL"
	Conflict   Code = "CONFLICT"

	AlreadyRegistered     Code = "ALREADY_REGISTERED"
	EcarsAddedAlready     Code = "ECARS_ADDED_ALREADY"
	LowDiskSpace          Code = "LOW_DISK_SPACE"
	InvalidOperation      Code = "INVALID_OPERATION"
	InvalidManifest       Code = "INVALID_MANIFEST"
	ManifestMissing       Code = "MANIFEST_MISSING"
	UnsupportedCompat     Code = "UNSUPPORTED_COMPATIBILITY_LEVEL"
	WorkerUnhandled       Code = "WORKER_UNHANDLED_EXCEPTION"
	ContentMissing        Code = "CONTENT_MISSING"
	ContentFolderMissing  Code = "CONTENT_FOLDER_MISSING"
	AppIconMissing        Code = "APP_ICON_MISSING"
	ArtifactURLMissing    Code = "ARTIFACT_URL_MISSING"
	DownloadFailed        Code = "DOWNLOAD_FAILED"
	ExtractFailed         Code = "EXTRACT_FAILED"
	ContentNotFound       Code = "CONTENT_NOT_FOUND"
	ContentExtractSkipped Code = "CONTENT_EXTRACT_SKIPPED"
)

// Kind groups codes by how callers are expected to react to them.
type Kind string

const (
	KindRequest        Kind = "REQUEST"
	KindInternal       Kind = "INTERNAL"
	KindValidation     Kind = "VALIDATION"
	KindResource       Kind = "RESOURCE"
	KindPartialFailure Kind = "PARTIAL_FAILURE"
	KindWorkerFault    Kind = "WORKER_FAULT"
	KindOperatorError  Kind = "OPERATOR_ERROR"
)

var kinds = map[Code]Kind{
	BadRequest:            KindRequest,
	NotFound:              KindRequest,
	Conflict:              KindRequest,
	AlreadyRegistered:     KindRequest,
	EcarsAddedAlready:     KindRequest,
	ContentNotFound:       KindRequest,
	InvalidManifest:       KindValidation,
	ManifestMissing:       KindValidation,
	UnsupportedCompat:     KindValidation,
	LowDiskSpace:          KindResource,
	ContentMissing:        KindPartialFailure,
	ContentFolderMissing:  KindPartialFailure,
	AppIconMissing:        KindPartialFailure,
	ArtifactURLMissing:    KindPartialFailure,
	ContentExtractSkipped: KindPartialFailure,
	DownloadFailed:        KindPartialFailure,
	ExtractFailed:         KindPartialFailure,
	WorkerUnhandled:       KindWorkerFault,
	InvalidOperation:      KindOperatorError,
}

type AppError struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

// Wrap attaches a code to an underlying error. The message is taken from err.
func Wrap(code Code, err error) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{code: code, message: err.Error(), cause: err}
}

func (e *AppError) Error() string   { return e.message }
func (e *AppError) Code() Code      { return e.code }
func (e *AppError) Message() string { return e.message }
func (e *AppError) Unwrap() error   { return e.cause }

func (e *AppError) Kind() Kind {
	if k, ok := kinds[e.code]; ok {
		return k
	}
	return KindInternal
}

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case BadRequest, InvalidManifest, ManifestMissing, UnsupportedCompat:
		return http.StatusBadRequest
	case NotFound, ContentNotFound:
		return http.StatusNotFound
	case Conflict, AlreadyRegistered, EcarsAddedAlready, InvalidOperation:
		return http.StatusConflict
	case LowDiskSpace:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf returns the code of the first AppError in err's chain, or Internal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.code == code
}
