package db

import (
	"context"
	"time"
)

// UpsertUser creates the user or refreshes a non-empty email. Plan is only set on insert.
func (db *DB) UpsertUser(ctx context.Context, user *User) error {
	if user.Plan == "" {
		user.Plan = PlanFree
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.CreatedAt = utc(user.CreatedAt)

	_, err := db.exec(ctx, `
		INSERT INTO users (id, email, plan, email_notifications, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE users.email END
	`, user.ID, user.Email, string(user.Plan), user.EmailNotifications, user.CreatedAt)
	return err
}

// GetUser retrieves a user by ID
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	user := &User{}
	var plan string
	err := db.queryRow(ctx, `
		SELECT id, email, plan, email_notifications, created_at
		FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Email, &plan, &user.EmailNotifications, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	user.Plan = Plan(plan)
	return user, nil
}

// SetUserPlan changes a user's subscription tier
func (db *DB) SetUserPlan(ctx context.Context, id string, plan Plan) error {
	res, err := db.exec(ctx, "UPDATE users SET plan = ? WHERE id = ?", string(plan), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetEmailNotifications records the user's email opt-in
func (db *DB) SetEmailNotifications(ctx context.Context, id string, enabled bool) error {
	res, err := db.exec(ctx, "UPDATE users SET email_notifications = ? WHERE id = ?", enabled, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
