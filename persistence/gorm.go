package persistence

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/filter"
	"github.com/devzarr/devzarr/types"
)

type GormPersist struct {
	db *gorm.DB
}

// NewPersister builds the persister selected by the configuration.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "postgres", "sqlite":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	case "":
		return nil, nil // no persistence configured
	}
	return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	err = db.AutoMigrate(
		&types.User{},
		&types.Room{},
		&types.Membership{},
		&types.Message{},
		&types.DMThread{},
		&types.DMMessage{},
		&types.Project{},
		&types.Post{},
		&types.Follow{},
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// translate maps gorm sentinel errors onto the persistence error taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	}
	return err
}

func (p *GormPersist) StoreUser(user types.User) error {
	return translate(p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&user).Error)
}

func (p *GormPersist) GetUser(user *types.User) error {
	return translate(p.db.First(user).Error)
}

func (p *GormPersist) GetUserByHandle(handle string) (*types.User, error) {
	user := types.User{}
	err := p.db.Where("handle = ?", handle).First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUserByEmail(email string) (*types.User, error) {
	user := types.User{}
	err := p.db.Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.Order("handle asc").Find(&users).Error
	return users, translate(err)
}

func (p *GormPersist) UpdateUserTags(user *types.User, updates []*types.TagUpdate) ([]bool, error) {
	res := make([]bool, len(updates))
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(user).Error; err != nil {
			return err
		}
		if user.Tags == nil {
			user.Tags = types.JSONStringMap{}
		}
		tags := user.Tags
		res = filter.UpdateTags(tags, updates)
		return tx.Model(user).Update("tags", tags).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return res, nil
}

func (p *GormPersist) DeleteUser(user *types.User) error {
	return translate(p.db.Delete(user).Error)
}

func (p *GormPersist) CreateRoom(room types.Room) error {
	if room.Id == "" {
		room.Id = uuid.NewString()
	}
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		owner := types.Membership{
			RoomId:   room.Id,
			UserId:   room.OwnerId,
			Role:     types.RoleOwner,
			JoinedAt: time.Now().UTC(),
		}
		return tx.Create(&owner).Error
	})
	return translate(err)
}

func (p *GormPersist) StoreRoom(room types.Room) error {
	return translate(p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error)
}

func (p *GormPersist) GetRoom(room *types.Room) error {
	return translate(p.db.Preload("Owner").First(room).Error)
}

func (p *GormPersist) GetRoomBySlug(slug string) (*types.Room, error) {
	room := types.Room{}
	err := p.db.Preload("Owner").Where("slug = ?", slug).First(&room).Error
	if err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (p *GormPersist) GetRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Preload("Owner").Order("created_at").Find(&rooms).Error
	return rooms, translate(err)
}

func (p *GormPersist) SlugExists(slug string) (bool, error) {
	var count int64
	err := p.db.Model(&types.Room{}).Where("slug = ?", slug).Count(&count).Error
	return count > 0, translate(err)
}

func (p *GormPersist) SetRoomModerated(roomId string, moderated bool) error {
	res := p.db.Model(&types.Room{}).Where("id = ?", roomId).Update("moderated", moderated)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) UpdateRoomTags(room *types.Room, updates []*types.TagUpdate) ([]bool, error) {
	res := make([]bool, len(updates))
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(room).Error; err != nil {
			return err
		}
		if room.Tags == nil {
			room.Tags = types.JSONStringMap{}
		}
		tags := room.Tags
		res = filter.UpdateTags(tags, updates)
		return tx.Model(room).Update("tags", tags).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return res, nil
}

func (p *GormPersist) DeleteRoom(room *types.Room) error {
	return translate(p.db.Delete(room).Error)
}

func (p *GormPersist) Join(roomId, userId string) (*types.Membership, error) {
	m := types.Membership{
		RoomId:   roomId,
		UserId:   userId,
		Role:     types.RoleMember,
		JoinedAt: time.Now().UTC(),
	}
	// do-nothing upsert: an existing membership (any role) wins
	err := p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return p.GetMembership(roomId, userId)
}

func (p *GormPersist) GetMembership(roomId, userId string) (*types.Membership, error) {
	m := types.Membership{}
	err := p.db.Where("room_id = ? AND user_id = ?", roomId, userId).First(&m).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (p *GormPersist) Memberships(roomId string) ([]*types.Membership, error) {
	members := make([]*types.Membership, 0)
	err := p.db.Preload("User").Where("room_id = ?", roomId).Order("user_id").Find(&members).Error
	return members, translate(err)
}

func (p *GormPersist) SetRole(roomId, userId, role string) error {
	res := p.db.Model(&types.Membership{}).
		Where("room_id = ? AND user_id = ?", roomId, userId).
		Update("role", role)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) SetVoice(roomId, userId string, voice bool) error {
	res := p.db.Model(&types.Membership{}).
		Where("room_id = ? AND user_id = ?", roomId, userId).
		Update("voice", voice)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) StoreMessage(msg types.Message) error {
	return translate(p.db.Create(&msg).Error)
}

// GetMessageHistory returns up to limit of the most recent messages,
// ordered created_at ascending with id as the tie-break.
func (p *GormPersist) GetMessageHistory(roomId string, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.Preload("Author").
		Where("room_id = ?", roomId).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, translate(err)
	}
	reverse(messages)
	return messages, nil
}

func (p *GormPersist) GetOrCreateThread(userA, userB string) (*types.DMThread, error) {
	if userA == userB {
		return nil, fmt.Errorf("cannot open a thread with yourself")
	}
	a, b := types.CanonicalPair(userA, userB)
	thread := types.DMThread{
		Id:        uuid.NewString(),
		UserA:     a,
		UserB:     b,
		CreatedAt: time.Now().UTC(),
	}
	// losing the insert race is fine, the unique pair index makes the
	// follow-up read authoritative either way
	err := p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&thread).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, translate(err)
	}
	out := types.DMThread{}
	if err := p.db.Where("user_a = ? AND user_b = ?", a, b).First(&out).Error; err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (p *GormPersist) GetThread(threadId string) (*types.DMThread, error) {
	thread := types.DMThread{Id: threadId}
	if err := p.db.First(&thread).Error; err != nil {
		return nil, translate(err)
	}
	return &thread, nil
}

func (p *GormPersist) GetThreads(userId string) ([]*types.DMThread, error) {
	threads := make([]*types.DMThread, 0)
	err := p.db.Where("user_a = ? OR user_b = ?", userId, userId).Order("created_at").Find(&threads).Error
	return threads, translate(err)
}

func (p *GormPersist) StoreDMMessage(msg types.DMMessage) error {
	return translate(p.db.Create(&msg).Error)
}

func (p *GormPersist) GetDMHistory(threadId string, limit int) ([]*types.DMMessage, error) {
	messages := make([]*types.DMMessage, 0)
	err := p.db.Where("thread_id = ?", threadId).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, translate(err)
	}
	reverse(messages)
	return messages, nil
}

func (p *GormPersist) StoreProject(project types.Project) error {
	if project.Id == "" {
		project.Id = uuid.NewString()
	}
	return translate(p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&project).Error)
}

func (p *GormPersist) GetProject(project *types.Project) error {
	return translate(p.db.Preload("Owner").First(project).Error)
}

func (p *GormPersist) GetProjectBySlug(slug string) (*types.Project, error) {
	project := types.Project{}
	err := p.db.Preload("Owner").Where("slug = ?", slug).First(&project).Error
	if err != nil {
		return nil, translate(err)
	}
	return &project, nil
}

func (p *GormPersist) GetProjects() ([]*types.Project, error) {
	projects := make([]*types.Project, 0)
	err := p.db.Preload("Owner").Order("created_at").Find(&projects).Error
	return projects, translate(err)
}

func (p *GormPersist) StorePost(post types.Post) error {
	if post.Id == "" {
		post.Id = uuid.NewString()
	}
	return translate(p.db.Create(&post).Error)
}

func (p *GormPersist) GetPosts(projectId string, limit int) ([]*types.Post, error) {
	posts := make([]*types.Post, 0)
	err := p.db.Preload("Author").
		Where("project_id = ?", projectId).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&posts).Error
	return posts, translate(err)
}

func (p *GormPersist) StoreFollow(follow types.Follow) error {
	if follow.CreatedAt.IsZero() {
		follow.CreatedAt = time.Now().UTC()
	}
	return translate(p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&follow).Error)
}

func (p *GormPersist) DeleteFollow(follow types.Follow) error {
	return translate(p.db.Delete(&follow).Error)
}

func (p *GormPersist) GetFollowedProjects(userId string) ([]*types.Project, error) {
	projects := make([]*types.Project, 0)
	err := p.db.Preload("Owner").
		Joins("JOIN follows ON follows.project_id = projects.id AND follows.user_id = ?", userId).
		Find(&projects).Error
	return projects, translate(err)
}

// ActiveRooms ranks rooms by message count within the window ("rooms most
// active in the last 30 minutes" when called with 30*time.Minute).
func (p *GormPersist) ActiveRooms(window time.Duration, limit int) ([]*types.RoomActivity, error) {
	rows := make([]struct {
		RoomId       string
		MessageCount int64
	}, 0)
	since := time.Now().UTC().Add(-window)
	err := p.db.Model(&types.Message{}).
		Select("room_id, count(*) as message_count").
		Where("created_at > ?", since).
		Group("room_id").
		Order("message_count DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	res := make([]*types.RoomActivity, 0, len(rows))
	for _, row := range rows {
		room := types.Room{Id: row.RoomId}
		if err := p.db.First(&room).Error; err != nil {
			continue // room deleted since, skip
		}
		res = append(res, &types.RoomActivity{Room: &room, MessageCount: row.MessageCount})
	}
	return res, nil
}

// TopProjects ranks projects by post count within the window ("projects with
// the most posts in the last 7 days" when called with 7*24*time.Hour).
func (p *GormPersist) TopProjects(window time.Duration, limit int) ([]*types.ProjectActivity, error) {
	rows := make([]struct {
		ProjectId string
		PostCount int64
	}, 0)
	since := time.Now().UTC().Add(-window)
	err := p.db.Model(&types.Post{}).
		Select("project_id, count(*) as post_count").
		Where("created_at > ?", since).
		Group("project_id").
		Order("post_count DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	res := make([]*types.ProjectActivity, 0, len(rows))
	for _, row := range rows {
		project := types.Project{Id: row.ProjectId}
		if err := p.db.First(&project).Error; err != nil {
			continue
		}
		res = append(res, &types.ProjectActivity{Project: &project, PostCount: row.PostCount})
	}
	return res, nil
}

func (p *GormPersist) Close() error {
	return nil
}

func reverse[T any](s []*T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
