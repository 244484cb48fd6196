package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassPermanent, Classify(newError("upload", "s3", "k", ErrAuth, nil)))
	assert.Equal(t, ClassPermanent, Classify(fmt.Errorf("wrapped: %w", ErrTooLarge)))
	assert.Equal(t, ClassTransient, Classify(ErrQuota))
	assert.Equal(t, ClassTransient, Classify(errors.New("who knows")))
	assert.Equal(t, ClassNotFound, Classify(newError("delete", "disk", "k", ErrNotFound, nil)))
}

func TestError_Message(t *testing.T) {
	err := newError("upload", "disk", "docs/a.txt", ErrUnavailable, context.Canceled)
	assert.Equal(t, "disk.upload docs/a.txt: context canceled", err.Error())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)

	noCause := newError("validate", "disk", "", ErrAuth, nil)
	assert.Equal(t, "disk.validate: backend: authentication failed", noCause.Error())
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "notfound", ClassNotFound.String())
}
