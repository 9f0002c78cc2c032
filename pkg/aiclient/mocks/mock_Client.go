// Package mocks provides test doubles for the aiclient client.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	aiclient "github.com/reportly/curator/pkg/aiclient"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// CreateMessage provides a mock function with given fields: ctx, req
func (_m *MockClient) CreateMessage(ctx context.Context, req aiclient.MessageRequest) (*aiclient.MessageResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for CreateMessage")
	}

	var r0 *aiclient.MessageResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, aiclient.MessageRequest) (*aiclient.MessageResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, aiclient.MessageRequest) *aiclient.MessageResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*aiclient.MessageResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, aiclient.MessageRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
