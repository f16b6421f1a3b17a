package dispatch

import "context"

// afterAccept runs the acceptance side effects for the winning therapist.
// Only a committed accept reaches here, so each effect fires once per booking.
// Failures are logged and counted; none of them undo the accept.
func (c *Controller) afterAccept(ctx context.Context, b *Booking, others []string) {
	log := c.logger.WithBooking(b.ID)
	therapistID := b.AcceptedBy

	roomID, err := c.chat.CreateRoom(ctx, []string{b.RequesterID, therapistID}, RoomContext{
		BookingID:   b.ID,
		RequesterID: b.RequesterID,
		TherapistID: therapistID,
		Service:     b.Service.Name,
		Address:     b.Location.Address,
	})
	if err != nil {
		c.metrics.ObserveSideEffectFailure("chat_room")
		log.Warn("chat room creation failed", "therapist_id", therapistID, "error", err)
	} else {
		b.ChatRoomID = roomID
		if _, err := c.ledger.update(ctx, b.ID, Patch{ChatRoomID: &roomID}); err != nil {
			c.metrics.ObserveSideEffectFailure("chat_room_link")
			log.Warn("chat room id not stored", "chat_room_id", roomID, "error", err)
		}
		welcome := ChatMessage{
			SenderID: "system",
			Body:     WelcomeMessage(b),
			Kind:     "system",
			SentAt:   c.now(),
		}
		if err := c.chat.PostMessage(ctx, roomID, welcome); err != nil {
			c.metrics.ObserveSideEffectFailure("chat_welcome")
			log.Warn("welcome message failed", "chat_room_id", roomID, "error", err)
		}
		c.notify.send(ctx, therapistID, Notification{
			Type:      NotifyAutoOpenChat,
			BookingID: b.ID,
			Priority:  PriorityHigh,
			Data: map[string]string{
				"chatRoomId": roomID,
				"action":     "open-chat-window",
			},
		})
	}

	if c.policy.imminent(b, c.now()) {
		if err := c.therapists.SetBusy(ctx, therapistID, true); err != nil {
			c.metrics.ObserveSideEffectFailure("busy_state")
			log.Warn("busy flip failed", "therapist_id", therapistID, "error", err)
		}
	}

	rec, created, err := c.commissions.Record(ctx, b.ID, therapistID, b.Service.PriceCents)
	switch {
	case err != nil:
		c.metrics.ObserveSideEffectFailure("commission")
		log.Error("commission record failed", "therapist_id", therapistID, "error", err)
	case created:
		log.Info("commission recorded",
			"therapist_id", therapistID,
			"admin_cents", rec.AdminCents,
			"provider_cents", rec.ProviderCents,
		)
	default:
		log.Warn("commission already recorded", "therapist_id", therapistID)
	}

	c.notify.send(ctx, b.RequesterID, Notification{
		Type:      NotifyBookingAccepted,
		BookingID: b.ID,
		Title:     "Booking accepted",
		Message:   "Your therapist accepted the booking.",
		Data: map[string]string{
			"therapistId": therapistID,
			"chatRoomId":  b.ChatRoomID,
		},
	})
	if len(others) > 0 {
		c.notify.fanout(ctx, others, Notification{
			Type:      NotifyOfferWithdrawn,
			BookingID: b.ID,
			Message:   "Another therapist accepted this booking.",
		})
	}
}
