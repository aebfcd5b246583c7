package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokens"
	"gorm.io/gorm"
)

const (
	errorSubjectFamily = "family"
)

// FamilyPolicy answers guardian/child questions from the family_links table.
// A member is restricted exactly when at least one guardian link exists for
// them.
type FamilyPolicy struct {
	db *gorm.DB
}

// NewFamilyPolicy returns a policy backed by gorm.DB.
func NewFamilyPolicy(db *gorm.DB) *FamilyPolicy {
	return &FamilyPolicy{db: db}
}

func (policy *FamilyPolicy) RequiresApproval(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := policy.db.WithContext(ctx).
		Model(&FamilyLinkRow{}).
		Where("child_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectFamily, errorCodeGet, err)
	}
	return count > 0, nil
}

func (policy *FamilyPolicy) CanDecide(ctx context.Context, guardianID string, childID string) (bool, error) {
	var count int64
	err := policy.db.WithContext(ctx).
		Model(&FamilyLinkRow{}).
		Where("guardian_id = ? AND child_id = ?", guardianID, childID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectFamily, errorCodeGet, err)
	}
	return count > 0, nil
}

func (policy *FamilyPolicy) Wards(ctx context.Context, guardianID string) ([]string, error) {
	var childIDs []string
	err := policy.db.WithContext(ctx).
		Model(&FamilyLinkRow{}).
		Where("guardian_id = ?", guardianID).
		Order("child_id ASC").
		Pluck("child_id", &childIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectFamily, errorCodeList, err)
	}
	return childIDs, nil
}

// Link records a guardian/child relationship. Used by provisioning and tests.
func (policy *FamilyPolicy) Link(ctx context.Context, guardianID string, childID string) error {
	row := FamilyLinkRow{GuardianID: guardianID, ChildID: childID}
	err := policy.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return wrapStoreError(errorSubjectFamily, errorCodeCreate, err)
	}
	return nil
}

var _ tokens.RelationshipPolicy = (*FamilyPolicy)(nil)
