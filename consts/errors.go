package consts

import "errors"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidUsername = errors.New("invalid username")
	ErrEmptyMessage    = errors.New("empty message")

	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
