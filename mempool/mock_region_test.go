package mempool

import (
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/orizon-lang/mempool/internal/region"
)

// MockRegionProvider is a gomock-style fake for the regionProvider interface,
// written by hand to keep the test self-contained without a codegen step.
// It follows mockgen's conventional generated shape so it drops in wherever
// a real generated mock would.
type MockRegionProvider struct {
	ctrl     *gomock.Controller
	recorder *MockRegionProviderMockRecorder
}

// MockRegionProviderMockRecorder is the recorder type for MockRegionProvider.
type MockRegionProviderMockRecorder struct {
	mock *MockRegionProvider
}

// NewMockRegionProvider creates a new mock instance.
func NewMockRegionProvider(ctrl *gomock.Controller) *MockRegionProvider {
	mock := &MockRegionProvider{ctrl: ctrl}
	mock.recorder = &MockRegionProviderMockRecorder{mock}

	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockRegionProvider) EXPECT() *MockRegionProviderMockRecorder {
	return m.recorder
}

// Acquire mocks base method.
func (m *MockRegionProvider) Acquire(size uintptr) (*region.Region, error) {
	m.ctrl.T.Helper()

	ret := m.ctrl.Call(m, "Acquire", size)
	ret0, _ := ret[0].(*region.Region)
	ret1, _ := ret[1].(error)

	return ret0, ret1
}

// Acquire indicates an expected call of Acquire.
func (mr *MockRegionProviderMockRecorder) Acquire(size interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()

	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Acquire", reflect.TypeOf((*MockRegionProvider)(nil).Acquire), size)
}
