package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"consultbot/pkg/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51730117

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}, &AnswerModel{}, &GenerationResultModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// At most one in_progress conversation per user.
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_one_active
		ON conversation_models (user_id)
		WHERE status = 'in_progress';
	`).Error; err != nil {
		return fmt.Errorf("create active conversation index: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'conversation_models'
				AND constraint_name = 'conversation_models_user_id_fkey'
			) THEN
				ALTER TABLE conversation_models
				ADD CONSTRAINT conversation_models_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES user_models(id);
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'answer_models'
				AND constraint_name = 'answer_models_conversation_id_fkey'
			) THEN
				ALTER TABLE answer_models
				ADD CONSTRAINT answer_models_conversation_id_fkey
				FOREIGN KEY (conversation_id) REFERENCES conversation_models(id);
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'generation_result_models'
				AND constraint_name = 'generation_result_models_conversation_id_fkey'
			) THEN
				ALTER TABLE generation_result_models
				ADD CONSTRAINT generation_result_models_conversation_id_fkey
				FOREIGN KEY (conversation_id) REFERENCES conversation_models(id);
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'conversation_models'
				AND constraint_name = 'conversation_models_status_check'
			) THEN
				ALTER TABLE conversation_models
				ADD CONSTRAINT conversation_models_status_check
				CHECK (status IN ('in_progress', 'completed', 'cancelled'));
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure conversation constraints: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// UpsertUser registers a user or refreshes their profile fields.
func (s *GormStore) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	stored, _, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return domain.User{}, err
	}
	return stored, nil
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(ctx context.Context, id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateConversation opens a new in_progress conversation for the user.
func (s *GormStore) CreateConversation(ctx context.Context, userID int64) (domain.Conversation, error) {
	model := ConversationModel{
		UserID:    userID,
		Status:    string(domain.ConversationInProgress),
		StartedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&ConversationModel{}).
			Where("user_id = ? AND status = ?", userID, string(domain.ConversationInProgress)).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveConversationExists
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Conversation{}, ErrActiveConversationExists
		}
		if errors.Is(err, ErrActiveConversationExists) {
			return domain.Conversation{}, err
		}
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversationFromModel(model), nil
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id int64) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns a user's conversations, most recent first.
func (s *GormStore) ListConversationsByUser(ctx context.Context, userID int64, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// FindActiveConversation returns the user's in_progress conversation, if any.
func (s *GormStore) FindActiveConversation(ctx context.Context, userID int64) (domain.Conversation, bool, error) {
	var model ConversationModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(domain.ConversationInProgress)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// SetConversationStatus moves a conversation from one status to another.
// Terminal targets also stamp completed_at.
func (s *GormStore) SetConversationStatus(ctx context.Context, id int64, from, to domain.ConversationStatus) error {
	updates := map[string]any{"status": string(to)}
	if to.Terminal() {
		updates["completed_at"] = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("set conversation status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, ok, err := s.GetConversation(ctx, id); err != nil {
			return err
		} else if !ok {
			return ErrConversationNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// AppendAnswer stores the next answer of an in_progress conversation.
func (s *GormStore) AppendAnswer(ctx context.Context, a domain.Answer) (domain.Answer, error) {
	if a.AnsweredAt.IsZero() {
		a.AnsweredAt = time.Now().UTC()
	}
	model := answerToModel(a)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := lockConversation(tx, a.ConversationID)
		if err != nil {
			return err
		}
		if conv.Status != string(domain.ConversationInProgress) {
			return ErrStatusConflict
		}
		var count int64
		if err := tx.Model(&AnswerModel{}).Where("conversation_id = ?", a.ConversationID).Count(&count).Error; err != nil {
			return err
		}
		if int64(a.Ordinal) != count+1 {
			return ErrOrdinalOutOfOrder
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Answer{}, ErrOrdinalOutOfOrder
		}
		if isStoreError(err) {
			return domain.Answer{}, err
		}
		return domain.Answer{}, fmt.Errorf("append answer: %w", err)
	}
	return answerFromModel(model), nil
}

// ListAnswers returns answers ordered by ordinal.
func (s *GormStore) ListAnswers(ctx context.Context, conversationID int64) ([]domain.Answer, error) {
	var models []AnswerModel
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("ordinal ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Answer, 0, len(models))
	for _, m := range models {
		items = append(items, answerFromModel(m))
	}
	return items, nil
}

// CompleteConversation stores the result and marks the conversation
// completed in one transaction.
func (s *GormStore) CompleteConversation(ctx context.Context, result domain.GenerationResult) (domain.GenerationResult, error) {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	model, err := resultToModel(result)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("encode result: %w", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := lockConversation(tx, result.ConversationID)
		if err != nil {
			return err
		}
		if conv.Status != string(domain.ConversationInProgress) {
			return ErrStatusConflict
		}
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrResultExists
			}
			return err
		}
		return tx.Model(&ConversationModel{}).
			Where("id = ?", result.ConversationID).
			Updates(map[string]any{
				"status":       string(domain.ConversationCompleted),
				"completed_at": result.CreatedAt,
			}).Error
	})
	if err != nil {
		if isStoreError(err) {
			return domain.GenerationResult{}, err
		}
		return domain.GenerationResult{}, fmt.Errorf("complete conversation: %w", err)
	}
	return resultFromModel(model), nil
}

// GetGenerationResult returns the stored result of a conversation.
func (s *GormStore) GetGenerationResult(ctx context.Context, conversationID int64) (domain.GenerationResult, bool, error) {
	var model GenerationResultModel
	if err := s.db.WithContext(ctx).First(&model, "conversation_id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.GenerationResult{}, false, nil
		}
		return domain.GenerationResult{}, false, err
	}
	return resultFromModel(model), true, nil
}

func lockConversation(tx *gorm.DB, id int64) (ConversationModel, error) {
	var conv ConversationModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ConversationModel{}, ErrConversationNotFound
		}
		return ConversationModel{}, err
	}
	return conv, nil
}

func isStoreError(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrStatusConflict) ||
		errors.Is(err, ErrOrdinalOutOfOrder) ||
		errors.Is(err, ErrResultExists) ||
		errors.Is(err, ErrActiveConversationExists)
}
