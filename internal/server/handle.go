package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/pkg"
)

const defaultPageSize = 20

type blocksRequest struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

type blocksReply struct {
	Page      int           `json:"page"`
	PageSize  int           `json:"page_size"`
	TotalSize int           `json:"total_size"`
	Blocks    []model.Block `json:"blocks"`
}

// enqueueHandle binds a message of type T and queues it for the dispatcher.
func enqueueHandle[T any](s *Server, kind model.MessageKind) func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var req T
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code": http.StatusBadRequest,
				"msg":  err.Error(),
			})
			return
		}
		payload, err := json.Marshal(&req)
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{
				"code": http.StatusInternalServerError,
				"msg":  err.Error(),
			})
			return
		}

		seq, err := s.db.Enqueue(kind, payload)
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{
				"code": http.StatusInternalServerError,
				"msg":  err.Error(),
			})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"code": http.StatusOK,
			"data": gin.H{"seq": seq},
		})
	}
}

// loadStatus writes the error reply itself and returns nil when no
// initialized status is available.
func (s *Server) loadStatus(ctx *gin.Context, needChain bool) *model.Status {
	st, err := s.db.LoadStatus()
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"code": http.StatusInternalServerError,
			"msg":  err.Error(),
		})
		return nil
	}
	if st == nil || (needChain && len(st.Chain) == 0) {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"code": http.StatusServiceUnavailable,
			"msg":  model.ErrNotInitialized.Error(),
		})
		return nil
	}
	return st
}

func (s *Server) chainHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		st := s.loadStatus(ctx, true)
		if st == nil {
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"code": http.StatusOK,
			"data": st.ChainSnapshot,
		})
	}
}

func (s *Server) statusHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		st := s.loadStatus(ctx, false)
		if st == nil {
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"code": http.StatusOK,
			"data": st,
		})
	}
}

// blocksHandle pages through the chain, genesis first.
func (s *Server) blocksHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var req blocksRequest
		if err := ctx.ShouldBindQuery(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code": http.StatusBadRequest,
				"msg":  err.Error(),
			})
			return
		}
		if req.PageSize <= 0 {
			req.PageSize = defaultPageSize
		}
		st := s.loadStatus(ctx, true)
		if st == nil {
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"code": http.StatusOK,
			"data": blocksReply{
				Page:      req.Page,
				PageSize:  req.PageSize,
				TotalSize: len(st.Chain),
				Blocks:    pkg.Paginate(st.Chain, req.Page, req.PageSize),
			},
		})
	}
}
