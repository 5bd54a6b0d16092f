package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/geofence"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"gorm.io/gorm"
)

// JobSite is a work location with a circular geofence boundary.
type JobSite struct {
	ID           int       `gorm:"primary_key" json:"id"`
	CompanyId    string    `gorm:"size:64;not null;index" json:"company_id"`
	Name         string    `gorm:"size:255;not null" json:"name" binding:"required"`
	CenterLat    float64   `gorm:"type:double;not null" json:"center_lat"`
	CenterLng    float64   `gorm:"type:double;not null" json:"center_lng"`
	RadiusMeters float64   `gorm:"type:double;not null" json:"radius_meters"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (j *JobSite) Boundary() geofence.Boundary {
	return geofence.Boundary{
		CenterLat:    j.CenterLat,
		CenterLng:    j.CenterLng,
		RadiusMeters: j.RadiusMeters,
	}
}

// JobAssignment links a worker to a site. Clock operations require an active
// assignment.
type JobAssignment struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CompanyId string    `gorm:"size:64;not null;index:idx_assignment" json:"company_id"`
	JobId     int       `gorm:"not null;index:idx_assignment" json:"job_id"`
	UserId    int       `gorm:"not null;index:idx_assignment" json:"user_id"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetJobSite(ctx context.Context, tx *gorm.DB, companyId string, jobId int) (*JobSite, error) {
	var site JobSite
	err := tx.WithContext(ctx).
		Where("company_id = ? AND id = ?", companyId, jobId).
		First(&site).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.NotFound("job site %d not found", jobId)
	}
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func HasActiveAssignment(ctx context.Context, tx *gorm.DB, companyId string, userId int, jobId int) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&JobAssignment{}).
		Where("company_id = ? AND user_id = ? AND job_id = ? AND is_active = ?", companyId, userId, jobId, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
