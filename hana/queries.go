package hana

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HostOverview is one host's rows from M_HOST_INFORMATION, pivoted into a
// key/value map.
type HostOverview struct {
	Host    string            `json:"host"`
	Details map[string]string `json:"details"`
}

// Service is one row of M_SERVICES with its memory footprint joined in.
type Service struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Name         string `json:"service_name"`
	Status       string `json:"active_status"`
	ProcessID    int64  `json:"process_id"`
	MemoryUsedMB int64  `json:"memory_used_mb"`
}

// Disk is one row of M_DISKS with sizes converted to gigabytes.
type Disk struct {
	Host      string  `json:"host"`
	Path      string  `json:"path"`
	UsageType string  `json:"usage_type"`
	TotalGB   float64 `json:"total_gb"`
	UsedGB    float64 `json:"used_gb"`
}

// DatabaseInfo is the M_DATABASE row.
type DatabaseInfo struct {
	SystemID  string    `json:"system_id"`
	Name      string    `json:"database_name"`
	Host      string    `json:"host"`
	StartTime time.Time `json:"start_time"`
	Version   string    `json:"version"`
	Usage     string    `json:"usage"`
}

// BackupEntry is one M_BACKUP_CATALOG row.
type BackupEntry struct {
	BackupID  int64      `json:"backup_id"`
	EntryType string     `json:"entry_type"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	State     string     `json:"state"`
	Comment   string     `json:"comment,omitempty"`
	Message   string     `json:"message,omitempty"`
}

const overviewKeys = `'net_publicname','build_version','os_name','os_cpu_summary','mem_phys','sid','topology_status'`

// Overview returns per-host platform facts from M_HOST_INFORMATION.
func (c *Client) Overview(ctx context.Context, systemID string) ([]HostOverview, error) {
	db, err := c.db(systemID, false)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT HOST, KEY, VALUE FROM SYS.M_HOST_INFORMATION
		WHERE KEY IN (`+overviewKeys+`)
		ORDER BY HOST, KEY`)
	if err != nil {
		return nil, fmt.Errorf("query host information: %w", err)
	}
	defer rows.Close()

	byHost := make(map[string]*HostOverview)
	var order []string
	for rows.Next() {
		var host, key, value string
		if err := rows.Scan(&host, &key, &value); err != nil {
			return nil, fmt.Errorf("scan host information: %w", err)
		}
		ov, ok := byHost[host]
		if !ok {
			ov = &HostOverview{Host: host, Details: make(map[string]string)}
			byHost[host] = ov
			order = append(order, host)
		}
		ov.Details[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]HostOverview, 0, len(order))
	for _, host := range order {
		out = append(out, *byHost[host])
	}
	return out, nil
}

// Services returns the service list with memory usage.
func (c *Client) Services(ctx context.Context, systemID string) ([]Service, error) {
	db, err := c.db(systemID, false)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT s.HOST, s.PORT, s.SERVICE_NAME, s.ACTIVE_STATUS, s.PROCESS_ID, m.TOTAL_MEMORY_USED_SIZE
		FROM SYS.M_SERVICES s
		LEFT JOIN SYS.M_SERVICE_MEMORY m ON s.HOST = m.HOST AND s.PORT = m.PORT
		ORDER BY s.HOST, s.PORT`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		var s Service
		var memUsed sql.NullInt64
		if err := rows.Scan(&s.Host, &s.Port, &s.Name, &s.Status, &s.ProcessID, &memUsed); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		if memUsed.Valid {
			s.MemoryUsedMB = memUsed.Int64 / (1024 * 1024)
		}
		services = append(services, s)
	}
	return services, rows.Err()
}

// DiskUsage returns volume usage from M_DISKS.
func (c *Client) DiskUsage(ctx context.Context, systemID string) ([]Disk, error) {
	db, err := c.db(systemID, false)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT HOST, PATH, USAGE_TYPE, TOTAL_SIZE, USED_SIZE
		FROM SYS.M_DISKS
		ORDER BY HOST, PATH`)
	if err != nil {
		return nil, fmt.Errorf("query disks: %w", err)
	}
	defer rows.Close()

	const gb = float64(1 << 30)
	var disks []Disk
	for rows.Next() {
		var d Disk
		var total, used int64
		if err := rows.Scan(&d.Host, &d.Path, &d.UsageType, &total, &used); err != nil {
			return nil, fmt.Errorf("scan disk: %w", err)
		}
		d.TotalGB = float64(total) / gb
		d.UsedGB = float64(used) / gb
		disks = append(disks, d)
	}
	return disks, rows.Err()
}

// DatabaseInfo returns identity and version of the database.
func (c *Client) DatabaseInfo(ctx context.Context, systemID string) (*DatabaseInfo, error) {
	db, err := c.db(systemID, false)
	if err != nil {
		return nil, err
	}

	var info DatabaseInfo
	err = db.QueryRowContext(ctx, `
		SELECT SYSTEM_ID, DATABASE_NAME, HOST, START_TIME, VERSION, USAGE
		FROM SYS.M_DATABASE`).
		Scan(&info.SystemID, &info.Name, &info.Host, &info.StartTime, &info.Version, &info.Usage)
	if err != nil {
		return nil, fmt.Errorf("query database info: %w", err)
	}
	return &info, nil
}

// BackupCatalog returns the most recent catalog entries, newest first. The
// catalog is container-local: pass tenant to read the tenant database's
// catalog instead of the primary endpoint's.
func (c *Client) BackupCatalog(ctx context.Context, systemID string, limit int, tenant bool) ([]BackupEntry, error) {
	db, err := c.db(systemID, tenant)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.QueryContext(ctx, `
		SELECT BACKUP_ID, ENTRY_TYPE_NAME, UTC_START_TIME, UTC_END_TIME, STATE_NAME, COMMENT, MESSAGE
		FROM SYS.M_BACKUP_CATALOG
		ORDER BY UTC_START_TIME DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backup catalog: %w", err)
	}
	defer rows.Close()

	return scanBackupEntries(rows)
}

// FailedBackups returns entries since the given time whose state is neither
// successful nor still running.
func (c *Client) FailedBackups(ctx context.Context, systemID string, since time.Time, tenant bool) ([]BackupEntry, error) {
	db, err := c.db(systemID, tenant)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT BACKUP_ID, ENTRY_TYPE_NAME, UTC_START_TIME, UTC_END_TIME, STATE_NAME, COMMENT, MESSAGE
		FROM SYS.M_BACKUP_CATALOG
		WHERE STATE_NAME NOT IN ('successful', 'running') AND UTC_START_TIME >= ?
		ORDER BY UTC_START_TIME DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query failed backups: %w", err)
	}
	defer rows.Close()

	return scanBackupEntries(rows)
}

func scanBackupEntries(rows *sql.Rows) ([]BackupEntry, error) {
	var entries []BackupEntry
	for rows.Next() {
		var e BackupEntry
		var end sql.NullTime
		var comment, message sql.NullString
		if err := rows.Scan(&e.BackupID, &e.EntryType, &e.StartTime, &end, &e.State, &comment, &message); err != nil {
			return nil, fmt.Errorf("scan backup entry: %w", err)
		}
		if end.Valid {
			e.EndTime = &end.Time
		}
		e.Comment = comment.String
		e.Message = message.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
