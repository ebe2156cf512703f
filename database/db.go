package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/take2eu/formpay/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createSubmissionTable(db)
	if err != nil {
		return nil, err
	}
	err = createAttachmentTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createSubmissionTable creates a PostgreSQL table for the Submission struct
func createSubmissionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS submissions (
			id SERIAL PRIMARY KEY,
			submission_id TEXT NOT NULL UNIQUE,
			session_id TEXT,
			fields JSONB NOT NULL DEFAULT '[]',
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			delivery_attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP NOT NULL,
			meta_data JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_session_id ON submissions (session_id);
		CREATE INDEX IF NOT EXISTS idx_submissions_status_expires ON submissions (status, expires_at)
	`)
	return err
}

// createAttachmentTable creates the table holding staged attachment bytes.
// Rows are deleted once the submission is delivered or evicted.
func createAttachmentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS submission_attachments (
			id SERIAL PRIMARY KEY,
			submission_id TEXT NOT NULL REFERENCES submissions(submission_id) ON DELETE CASCADE,
			position INT NOT NULL,
			name TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT,
			content BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_submission_attachments_submission_id ON submission_attachments (submission_id)
	`)
	return err
}
