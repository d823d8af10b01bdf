package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"

	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/model"
)

// MockNotificationRepository はテスト用のモックリポジトリです
type MockNotificationRepository struct {
	createNotificationsCalled bool
	createNotificationsError  error
	notifications             []model.NotificationRecord
}

func (m *MockNotificationRepository) CreateNotifications(ctx context.Context, records []model.NotificationRecord) error {
	m.createNotificationsCalled = true
	m.notifications = records
	return m.createNotificationsError
}

// MockPropertyRepository はテスト用のモックリポジトリです
type MockPropertyRepository struct {
	calls           map[string]int
	getTitleByIDErr error
}

func (m *MockPropertyRepository) GetTitleByID(ctx context.Context, id string) (string, error) {
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[id]++
	return "駅前マンション", m.getTitleByIDErr
}

func propertyNotification(eventType model.PropertyEventType, propertyID, buyerID string, at time.Time) model.Notification {
	broker := "broker-1"
	return model.NewPropertyEventNotification(model.PropertyEvent{
		Type:          eventType,
		PropertyID:    propertyID,
		ReservationID: "r-" + propertyID,
		BuyerID:       buyerID,
		SellerID:      "seller-1",
		BrokerID:      broker,
		OccurredAt:    at,
	})
}

func TestNotificationBatchService_Run(t *testing.T) {
	// X-Rayのセグメントを設定
	ctx, seg := xray.BeginSegment(context.Background(), "TestNotificationBatchService_Run")
	defer seg.Close(nil)

	now := time.Now().UTC()
	tests := []struct {
		name          string
		notifications []model.Notification
		repoErr       error
		titleErr      error
		wantRecords   int
		wantLookups   map[string]int
		wantErr       bool
	}{
		{
			name:          "0件の通知を正常に処理",
			notifications: []model.Notification{},
			wantRecords:   0,
		},
		{
			name: "1件の通知を受信者ごとに展開",
			notifications: []model.Notification{
				propertyNotification(model.EventPropertyLocked, "p1", "buyer-1", now),
			},
			wantRecords: 3,
			wantLookups: map[string]int{"p1": 1},
		},
		{
			name: "同じ物件の物件名は1回だけ取得",
			notifications: []model.Notification{
				propertyNotification(model.EventPropertyLocked, "p1", "buyer-1", now),
				propertyNotification(model.EventVisitConfirmed, "p1", "buyer-1", now),
				propertyNotification(model.EventPropertySold, "p2", "buyer-2", now),
			},
			wantRecords: 9,
			wantLookups: map[string]int{"p1": 1, "p2": 1},
		},
		{
			name: "物件名の取得に失敗",
			notifications: []model.Notification{
				propertyNotification(model.EventPropertyLocked, "p1", "buyer-1", now),
			},
			titleErr: model.ErrPropertyNotFound,
			wantErr:  true,
		},
		{
			name: "通知の保存に失敗",
			notifications: []model.Notification{
				propertyNotification(model.EventPropertyLocked, "p1", "buyer-1", now),
			},
			repoErr:     errors.New("connection reset"),
			wantRecords: 3,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockNotificationRepo := &MockNotificationRepository{
				createNotificationsError: tt.repoErr,
			}
			mockPropertyRepo := &MockPropertyRepository{
				getTitleByIDErr: tt.titleErr,
			}

			service := NewNotificationBatchService(mockNotificationRepo, mockPropertyRepo, logger.NewNop())
			service.SetArgs(tt.notifications)
			err := service.Run(ctx)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.titleErr != nil {
				if mockNotificationRepo.createNotificationsCalled {
					t.Error("CreateNotifications was called after lookup failure")
				}
				return
			}

			if !mockNotificationRepo.createNotificationsCalled {
				t.Error("CreateNotifications was not called")
			}
			if len(mockNotificationRepo.notifications) != tt.wantRecords {
				t.Errorf("Expected %d records, got %d", tt.wantRecords, len(mockNotificationRepo.notifications))
			}
			for id, want := range tt.wantLookups {
				if got := mockPropertyRepo.calls[id]; got != want {
					t.Errorf("GetTitleByID(%s) called %d times, want %d", id, got, want)
				}
			}
		})
	}
}

func TestNotificationBatchService_RecordContent(t *testing.T) {
	at := time.Date(2025, 4, 8, 10, 0, 0, 0, time.UTC)
	n := propertyNotification(model.EventPropertyUnlocked, "p1", "buyer-1", at)
	n.Event.Reason = model.ReleaseReasonExpired

	repo := &MockNotificationRepository{}
	service := NewNotificationBatchService(repo, &MockPropertyRepository{}, logger.NewNop())
	service.SetArgs([]model.Notification{n})
	if err := service.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"buyer-1", "seller-1", "broker-1"}
	if len(repo.notifications) != len(want) {
		t.Fatalf("records = %+v", repo.notifications)
	}
	for i, r := range repo.notifications {
		if r.UserID != want[i] || r.Type != model.NotificationTypeReservation || !r.CreatedAt.Equal(at) || r.IsRead {
			t.Errorf("record %d = %+v", i, r)
		}
		if r.Title != "物件の確保が解除されました" {
			t.Errorf("record %d title = %q", i, r.Title)
		}
	}
}
