package testutil

import (
	"fmt"
	"strings"
	"testing"

	"checkout/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// DB 为单个测试建一个隔离的内存库并完成建表。
// shared cache 让 gorm 连接池里的多条连接看到同一个库；
// busy_timeout 避免并发用例里偶发的 SQLITE_BUSY。
func DB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}
