package mocks

import (
	"context"

	"github.com/bitrise-io/go-resumable-upload/resumable/sessionstore"
	"github.com/stretchr/testify/mock"
)

type Store struct {
	mock.Mock
}

func (_m *Store) Get(ctx context.Context, key string) (sessionstore.Descriptor, error) {
	ret := _m.Called(ctx, key)

	var r0 sessionstore.Descriptor
	if rf, ok := ret.Get(0).(func(context.Context, string) sessionstore.Descriptor); ok {
		r0 = rf(ctx, key)
	} else {
		r0, _ = ret.Get(0).(sessionstore.Descriptor)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, key)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

func (_m *Store) Set(ctx context.Context, key string, d sessionstore.Descriptor) error {
	ret := _m.Called(ctx, key, d)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, string, sessionstore.Descriptor) error); ok {
		r0 = rf(ctx, key, d)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

func (_m *Store) Delete(ctx context.Context, key string) error {
	ret := _m.Called(ctx, key)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, string) error); ok {
		r0 = rf(ctx, key)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}
